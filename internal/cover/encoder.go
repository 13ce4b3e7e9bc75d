// Package cover inlines cover images as data URIs.
package cover

import (
	"encoding/base64"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// DefaultMaxBytes caps the size of an inlined cover
const DefaultMaxBytes = 5 << 20

// Encoder turns cover files into data URIs
type Encoder struct {
	MaxBytes int64 // 0 means DefaultMaxBytes
}

// Encode returns a data URI for the image at path, or nil when the file is
// missing, unreadable, empty or too large. A cover that cannot be read only
// costs the book its thumbnail.
func (e *Encoder) Encode(path string) *string {
	limit := e.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}

	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil || len(data) == 0 || int64(len(data)) > limit {
		return nil
	}

	uri := "data:" + mediaType(path, data) + ";base64," + base64.StdEncoding.EncodeToString(data)
	return &uri
}

// mediaType sniffs the content first and falls back to the file extension
func mediaType(path string, data []byte) string {
	if sniffed := http.DetectContentType(data); strings.HasPrefix(sniffed, "image/") {
		return sniffed
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); strings.HasPrefix(byExt, "image/") {
		if i := strings.IndexByte(byExt, ';'); i >= 0 {
			byExt = byExt[:i]
		}
		return byExt
	}
	return "image/jpeg"
}
