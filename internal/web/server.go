// Package web exposes the catalog over HTTP and serves library files under
// /epub/.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/renderinc/libris/internal/catalog"
	"github.com/renderinc/libris/internal/convert"
	"github.com/renderinc/libris/internal/pathsafe"
	"github.com/renderinc/libris/internal/scan"
	"github.com/renderinc/libris/internal/storage"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 10
	maxListLimit     = 100
	maxBodyBytes     = 1 << 20
)

// Catalog is the part of catalog.Catalog the handlers use
type Catalog interface {
	Insert(book *storage.Book) (int64, error)
	ListRecent(limit int) ([]*storage.Book, error)
	Get(id int64) (*storage.Book, error)
	SearchByTitle(term string) ([]*storage.Book, error)
	SearchByAuthor(term string) ([]*storage.Book, error)
	Stats() (catalog.Stats, error)
}

// Scanner runs a full library scan
type Scanner interface {
	Scan(ctx context.Context) (*scan.Stats, error)
}

// Converter turns a source book into the reader format
type Converter interface {
	Convert(ctx context.Context, bookPath string) (*convert.Result, error)
}

// Options configures the server
type Options struct {
	BaseURL        string   // Public origin used for thumbnail URLs
	AllowedOrigins []string // CORS allow-list; "*" allows any origin
	ListLimit      int      // Default page size for GET /books
}

// Server holds the HTTP handlers
type Server struct {
	catalog   Catalog
	scanner   Scanner
	converter Converter
	paths     *pathsafe.Sanitizer
	opts      Options
	logger    *zap.Logger

	scanMu sync.Mutex // One scan at a time
}

// NewServer creates a server. All collaborators are required.
func NewServer(cat Catalog, scanner Scanner, converter Converter, paths *pathsafe.Sanitizer, opts Options, logger *zap.Logger) *Server {
	if opts.ListLimit <= 0 {
		opts.ListLimit = defaultListLimit
	}
	if opts.ListLimit > maxListLimit {
		opts.ListLimit = maxListLimit
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		catalog:   cat,
		scanner:   scanner,
		converter: converter,
		paths:     paths,
		opts:      opts,
		logger:    logger,
	}
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Routes
	mux.HandleFunc("GET /scan", s.handleScan)
	mux.HandleFunc("GET /books", s.handleListBooks)
	mux.HandleFunc("GET /books/{id}", s.handleGetBook)
	mux.HandleFunc("POST /books", s.handleAddBook)
	mux.HandleFunc("GET /search/books", s.handleSearchTitles)
	mux.HandleFunc("GET /search/authors", s.handleSearchAuthors)
	mux.HandleFunc("POST /convert", s.handleConvert)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, errNotFound)
	})

	// /epub/ bypasses the mux so the escaped path reaches the sanitizer
	// without being cleaned or redirected
	root := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/epub/") {
			s.serveLibraryFile(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	return s.withRequestID(s.withRequestLog(s.withCORS(root)))
}

// bookResponse is the wire form of a book
type bookResponse struct {
	ID           int64   `json:"id"`
	Title        string  `json:"title"`
	Authors      string  `json:"authors"`
	Summary      string  `json:"summary"`
	Genre        string  `json:"genre"`
	Thumbnail    *string `json:"thumbnail"`
	SourcePath   *string `json:"source_path"`
	CoverPath    *string `json:"cover_path"`
	ThumbnailURL *string `json:"thumbnail_url"`
}

func (s *Server) toResponse(b *storage.Book) bookResponse {
	resp := bookResponse{
		ID:         b.ID,
		Title:      b.Title,
		Authors:    b.Authors,
		Summary:    b.Summary,
		Genre:      b.Genre,
		Thumbnail:  b.Thumbnail,
		SourcePath: b.SourcePath,
		CoverPath:  b.CoverPath,
	}
	if b.CoverPath != nil {
		if u, err := s.paths.URL(s.opts.BaseURL, *b.CoverPath); err == nil {
			resp.ThumbnailURL = &u
		}
	}
	return resp
}

func (s *Server) toResponses(books []*storage.Book) []bookResponse {
	out := make([]bookResponse, 0, len(books))
	for _, b := range books {
		out = append(out, s.toResponse(b))
	}
	return out
}

type scanResponse struct {
	Message string      `json:"message"`
	Stats   *scan.Stats `json:"stats"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if !s.scanMu.TryLock() {
		s.writeError(w, r, errScanInProgress)
		return
	}
	defer s.scanMu.Unlock()

	// A client that disconnects does not stop a scan halfway
	stats, err := s.scanner.Scan(context.WithoutCancel(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, scanResponse{
		Message: "Books scanned and added successfully!",
		Stats:   stats,
	})
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	limit := s.opts.ListLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= maxListLimit {
			limit = l
		}
	}

	books, err := s.catalog.ListRecent(limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toResponses(books))
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, r, invalidRequest("book id must be a positive integer"))
		return
	}

	book, err := s.catalog.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if book == nil {
		s.writeError(w, r, errNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.toResponse(book))
}

// addBookRequest accepts the book fields a client may set. "author" is
// accepted as an alias of "authors".
type addBookRequest struct {
	Title      string  `json:"title"`
	Authors    string  `json:"authors"`
	Author     string  `json:"author"`
	Summary    string  `json:"summary"`
	Genre      string  `json:"genre"`
	Thumbnail  *string `json:"thumbnail"`
	SourcePath *string `json:"source_path"`
}

type addBookResponse struct {
	Message string `json:"message"`
	ID      int64  `json:"id"`
}

func (s *Server) handleAddBook(w http.ResponseWriter, r *http.Request) {
	var req addBookRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	book := &storage.Book{
		Title:     strings.TrimSpace(req.Title),
		Authors:   strings.TrimSpace(req.Authors),
		Summary:   strings.TrimSpace(req.Summary),
		Genre:     strings.TrimSpace(req.Genre),
		Thumbnail: req.Thumbnail,
	}
	if book.Authors == "" {
		book.Authors = strings.TrimSpace(req.Author)
	}
	if req.SourcePath != nil && *req.SourcePath != "" {
		// Only paths inside the library are stored
		if _, err := s.paths.Contain(*req.SourcePath); err != nil {
			s.writeError(w, r, err)
			return
		}
		book.SourcePath = req.SourcePath
	}

	id, err := s.catalog.Insert(book)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, addBookResponse{Message: "Book added successfully!", ID: id})
}

func (s *Server) handleSearchTitles(w http.ResponseWriter, r *http.Request) {
	s.search(w, r, s.catalog.SearchByTitle)
}

func (s *Server) handleSearchAuthors(w http.ResponseWriter, r *http.Request) {
	s.search(w, r, s.catalog.SearchByAuthor)
}

func (s *Server) search(w http.ResponseWriter, r *http.Request, fn func(string) ([]*storage.Book, error)) {
	books, err := fn(r.URL.Query().Get("q"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.toResponses(books))
}

type convertRequest struct {
	BookPath string `json:"bookPath"`
}

type convertResponse struct {
	Message   string `json:"message"`
	EpubPath  string `json:"epubPath"` // Relative to the library root, servable under /epub/
	Converted bool   `json:"converted"`
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.converter.Convert(r.Context(), strings.TrimSpace(req.BookPath))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	msg := "Conversion successful"
	if !res.Converted {
		msg = "Already converted"
	}
	writeJSON(w, http.StatusOK, convertResponse{Message: msg, EpubPath: res.RelativePath, Converted: res.Converted})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.catalog.Stats()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"books":   stats.Books,
		"indexed": stats.Indexed,
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return invalidRequest("request body too large")
		case errors.Is(err, io.EOF):
			return invalidRequest("request body is empty")
		default:
			return invalidRequest("request body is not valid JSON")
		}
	}
	return nil
}
