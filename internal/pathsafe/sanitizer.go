// Package pathsafe turns untrusted path strings into paths confined to the
// library root.
package pathsafe

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrTraversal is returned for any path that does not stay inside the root
var ErrTraversal = errors.New("path escapes library root")

// Sanitizer confines paths to a single library root
type Sanitizer struct {
	root string
}

// New resolves root to a canonical absolute directory
func New(root string) (*Sanitizer, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("library root is empty")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve library root: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve library root: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat library root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("library root %s is not a directory", resolved)
	}

	return &Sanitizer{root: filepath.Clean(resolved)}, nil
}

// Root returns the canonical library root
func (s *Sanitizer) Root() string {
	return s.root
}

// Relative decodes a URL path and returns it relative to the root.
//
// Clients build URLs from absolute filesystem paths, so the root prefix is
// stripped when present, both as-is and with the doubled leading slash that
// naive URL joining produces. Whatever remains is taken as relative to the
// root and must not climb out of it.
func (s *Sanitizer) Relative(raw string) (string, error) {
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("%w: malformed escape", ErrTraversal)
	}
	if strings.ContainsRune(decoded, 0) {
		return "", fmt.Errorf("%w: NUL byte", ErrTraversal)
	}

	decoded = filepath.ToSlash(decoded)
	root := filepath.ToSlash(s.root)

	switch {
	case decoded == root || decoded == "/"+root:
		decoded = ""
	case strings.HasPrefix(decoded, root+"/"):
		decoded = strings.TrimPrefix(decoded, root+"/")
	case strings.HasPrefix(decoded, "/"+root+"/"):
		decoded = strings.TrimPrefix(decoded, "/"+root+"/")
	}

	return s.confine(strings.TrimLeft(decoded, "/"))
}

// Resolve is Relative joined back onto the root
func (s *Sanitizer) Resolve(raw string) (string, error) {
	rel, err := s.Relative(raw)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(rel)), nil
}

// Contain checks that an absolute filesystem path lies inside the root and
// returns it relative to the root. No decoding is applied.
func (s *Sanitizer) Contain(abs string) (string, error) {
	if !filepath.IsAbs(abs) {
		return "", fmt.Errorf("%w: %q is not absolute", ErrTraversal, abs)
	}
	if strings.ContainsRune(abs, 0) {
		return "", fmt.Errorf("%w: NUL byte", ErrTraversal)
	}

	rel, err := filepath.Rel(s.root, filepath.Clean(abs))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTraversal, err)
	}
	return s.confine(filepath.ToSlash(rel))
}

// URL builds the public URL under which the gateway serves abs
func (s *Sanitizer) URL(base, abs string) (string, error) {
	rel, err := s.Contain(abs)
	if err != nil {
		return "", err
	}

	segments := strings.Split(rel, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	return strings.TrimRight(base, "/") + "/epub/" + strings.Join(segments, "/"), nil
}

// confine cleans a slash-separated relative path and rejects anything that
// resolves outside the root
func (s *Sanitizer) confine(rel string) (string, error) {
	if rel == "" {
		return ".", nil
	}

	prefix := s.root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}

	joined := filepath.Join(s.root, filepath.FromSlash(rel))
	if joined != s.root && !strings.HasPrefix(joined, prefix) {
		return "", ErrTraversal
	}

	out, err := filepath.Rel(s.root, joined)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTraversal, err)
	}
	return path.Clean(filepath.ToSlash(out)), nil
}
