// Package metadata reads the OPF sidecar that sits next to each book.
package metadata

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/net/html/charset"
)

// Defaults used when the document leaves a field out
const (
	DefaultTitle   = "Unknown Title"
	DefaultAuthor  = "Unknown Author"
	DefaultSummary = "No summary available"
	DefaultGenre   = "Unknown genre"
)

// Metadata is the bibliographic part of a book record
type Metadata struct {
	Title    string
	Authors  string   // Creators joined with ", "
	Creators []string // In document order
	Summary  string
	Genre    string
}

// ParseError reports a metadata document that could not be read or parsed
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse metadata %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// opfPackage is the <package> root. Element names are matched without a
// namespace so documents that never declare the dc prefix still parse.
type opfPackage struct {
	XMLName  xml.Name     `xml:"package"`
	Metadata *opfMetadata `xml:"metadata"`
}

type opfMetadata struct {
	Titles       []string `xml:"title"`
	Creators     []string `xml:"creator"`
	Descriptions []string `xml:"description"`
	Subjects     []string `xml:"subject"`
}

// Extract reads the document at path
func Extract(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}

	md, err := Parse(data)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return md, nil
}

// Parse decodes an OPF document. Absent fields take their defaults;
// malformed XML is an error.
func Parse(data []byte) (*Metadata, error) {
	var pkg opfPackage
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = true
	dec.CharsetReader = declaredCharset
	if err := dec.Decode(&pkg); err != nil {
		return nil, fmt.Errorf("decode xml: %w", err)
	}
	if pkg.Metadata == nil {
		return nil, fmt.Errorf("no <metadata> section")
	}

	m := pkg.Metadata
	md := &Metadata{
		Title:   firstOr(m.Titles, DefaultTitle),
		Summary: DefaultSummary,
		Genre:   firstOr(m.Subjects, DefaultGenre),
	}

	for _, c := range m.Creators {
		if name := strings.TrimSpace(c); name != "" {
			md.Creators = append(md.Creators, name)
		}
	}
	if len(md.Creators) == 0 {
		md.Authors = DefaultAuthor
	} else {
		md.Authors = strings.Join(md.Creators, ", ")
	}

	if len(m.Descriptions) > 0 {
		if text := plainText(m.Descriptions[0]); text != "" {
			md.Summary = text
		}
	}

	return md, nil
}

// firstOr returns the first element trimmed, or fallback when it is blank
func firstOr(values []string, fallback string) string {
	if len(values) == 0 {
		return fallback
	}
	if v := strings.TrimSpace(values[0]); v != "" {
		return v
	}
	return fallback
}

// declaredCharset decodes the encoding named in the XML declaration.
// Unknown labels are read as UTF-8.
func declaredCharset(label string, input io.Reader) (io.Reader, error) {
	r, err := charset.NewReaderLabel(label, input)
	if err != nil {
		return input, nil
	}
	return r, nil
}
