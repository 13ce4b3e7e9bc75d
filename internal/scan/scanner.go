// Package scan walks the library tree and feeds every book it finds into
// the catalog.
package scan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/renderinc/libris/internal/cover"
	"github.com/renderinc/libris/internal/metadata"
	"github.com/renderinc/libris/internal/storage"
	"go.uber.org/zap"
)

// Indexer stores one book and returns its id
type Indexer interface {
	Insert(book *storage.Book) (int64, error)
}

// Options names the files looked for inside a book directory
type Options struct {
	MetadataFile string   // Required, books without it are skipped
	CoverFiles   []string // First existing file wins
	SourceExt    string   // Extension of the convertible file, e.g. ".mobi"
}

// DefaultOptions matches the layout Calibre writes
func DefaultOptions() Options {
	return Options{
		MetadataFile: "metadata.opf",
		CoverFiles:   []string{"cover.jpg"},
		SourceExt:    ".mobi",
	}
}

// WalkError reports a library root that could not be listed. It is the
// only failure that aborts a scan.
type WalkError struct {
	Root string
	Err  error
}

func (e *WalkError) Error() string {
	return fmt.Sprintf("walk library root %s: %v", e.Root, e.Err)
}

func (e *WalkError) Unwrap() error {
	return e.Err
}

// Stats holds scan statistics
type Stats struct {
	Authors       int           `json:"authors"`
	Books         int           `json:"books"`   // Book directories visited
	Indexed       int           `json:"indexed"` // Rows inserted
	Skipped       int           `json:"skipped"` // No metadata document
	ExtractErrors int           `json:"extract_errors"`
	StorageErrors int           `json:"storage_errors"`
	Duration      time.Duration `json:"duration"`
}

// Scanner walks <root>/<author>/<book>/ and inserts one row per book
// directory that carries a metadata document
type Scanner struct {
	root    string
	indexer Indexer
	encoder *cover.Encoder
	opts    Options
	logger  *zap.Logger
}

// New creates a scanner. Zero-valued options fall back to DefaultOptions.
func New(root string, indexer Indexer, encoder *cover.Encoder, opts Options, logger *zap.Logger) *Scanner {
	def := DefaultOptions()
	if opts.MetadataFile == "" {
		opts.MetadataFile = def.MetadataFile
	}
	if len(opts.CoverFiles) == 0 {
		opts.CoverFiles = def.CoverFiles
	}
	if opts.SourceExt == "" {
		opts.SourceExt = def.SourceExt
	}
	if encoder == nil {
		encoder = &cover.Encoder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{root: root, indexer: indexer, encoder: encoder, opts: opts, logger: logger}
}

// Scan performs a full walk. Books are inserted one at a time as they are
// read, so a scan over a large library never holds more than one record.
// A failing book is logged and counted; only an unreadable root fails the
// scan. Cancellation is checked between books and returns partial stats.
func (s *Scanner) Scan(ctx context.Context) (*Stats, error) {
	startTime := time.Now()
	stats := &Stats{}

	s.logger.Info("starting scan", zap.String("root", s.root))

	// 1. List author directories
	authors, err := os.ReadDir(s.root)
	if err != nil {
		return nil, &WalkError{Root: s.root, Err: err}
	}

	// 2. Walk each author's book directories in name order
	for _, author := range authors {
		if !author.IsDir() {
			continue
		}
		stats.Authors++
		authorDir := filepath.Join(s.root, author.Name())

		books, err := os.ReadDir(authorDir)
		if err != nil {
			s.logger.Warn("cannot list author directory", zap.String("path", authorDir), zap.Error(err))
			continue
		}

		for _, book := range books {
			if !book.IsDir() {
				continue
			}
			if err := ctx.Err(); err != nil {
				stats.Duration = time.Since(startTime)
				return stats, err
			}
			stats.Books++
			s.scanBook(filepath.Join(authorDir, book.Name()), stats)
		}
	}

	stats.Duration = time.Since(startTime)
	s.logger.Info("scan complete",
		zap.Int("authors", stats.Authors),
		zap.Int("books", stats.Books),
		zap.Int("indexed", stats.Indexed),
		zap.Int("skipped", stats.Skipped),
		zap.Int("extract_errors", stats.ExtractErrors),
		zap.Int("storage_errors", stats.StorageErrors),
		zap.Duration("duration", stats.Duration))

	return stats, nil
}

// scanBook handles one book directory
func (s *Scanner) scanBook(dir string, stats *Stats) {
	log := s.logger.With(zap.String("book_dir", dir))

	// 1. Metadata document is required
	metaPath := filepath.Join(dir, s.opts.MetadataFile)
	if !isRegular(metaPath) {
		stats.Skipped++
		log.Debug("no metadata document, skipping")
		return
	}

	meta, err := metadata.Extract(metaPath)
	if err != nil {
		stats.ExtractErrors++
		log.Warn("metadata extraction failed", zap.Error(err))
		return
	}

	book := &storage.Book{
		Title:   meta.Title,
		Authors: meta.Authors,
		Summary: meta.Summary,
		Genre:   meta.Genre,
		BookDir: dir,
	}

	// 2. Cover and convertible source are optional
	if coverPath, ok := s.findCover(dir); ok {
		if thumb := s.encoder.Encode(coverPath); thumb != nil {
			book.Thumbnail = thumb
			book.CoverPath = &coverPath
		} else {
			log.Debug("cover not encoded", zap.String("cover", coverPath))
		}
	}
	if src, ok := s.findSource(dir); ok {
		book.SourcePath = &src
	}

	// 3. Insert right away
	id, err := s.indexer.Insert(book)
	if err != nil {
		stats.StorageErrors++
		log.Error("insert failed", zap.String("title", book.Title), zap.Error(err))
		return
	}

	stats.Indexed++
	log.Debug("indexed", zap.Int64("id", id), zap.String("title", book.Title))
}

func (s *Scanner) findCover(dir string) (string, bool) {
	for _, name := range s.opts.CoverFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

func (s *Scanner) findSource(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), s.opts.SourceExt) {
			return filepath.Join(dir, e.Name()), true
		}
	}
	return "", false
}

func isRegular(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
