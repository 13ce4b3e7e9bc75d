package web

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// serveLibraryFile serves raw bytes from the library root. Anything that
// does not resolve to a regular file inside the root is a 404, including
// symlinks pointing elsewhere.
func (s *Server) serveLibraryFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.writeError(w, r, errMethodNotAllowed)
		return
	}

	// Keep the leading slash so absolute paths still match the root prefix
	raw := strings.TrimPrefix(r.URL.EscapedPath(), "/epub")
	abs, err := s.paths.Resolve(raw)
	if err != nil {
		s.logger.Debug("refused library path", zap.String("path", raw), zap.Error(err))
		s.writeError(w, r, errNotFound)
		return
	}

	// 1. Re-check after following symlinks
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		s.writeError(w, r, errNotFound)
		return
	}
	if _, err := s.paths.Contain(resolved); err != nil {
		s.logger.Debug("symlink leaves library", zap.String("path", raw), zap.Error(err))
		s.writeError(w, r, errNotFound)
		return
	}

	// 2. Regular files only
	f, err := os.Open(resolved)
	if err != nil {
		s.writeError(w, r, errNotFound)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		s.writeError(w, r, errNotFound)
		return
	}

	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
