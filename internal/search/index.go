package search

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/renderinc/libris/internal/storage"
)

// Searchable fields
const (
	FieldTitle   = "title"
	FieldAuthors = "authors"
	FieldSummary = "summary"
	FieldGenre   = "genre"
)

// foldedAnalyzer tokenizes and lowercases without dropping stop words, so
// an author called Will stays findable
const foldedAnalyzer = "folded"

// rebuildBatchSize bounds the documents held in one Bleve batch
const rebuildBatchSize = 500

// Index wraps a Bleve search index
type Index struct {
	mu    sync.RWMutex
	index bleve.Index
	path  string
}

// IndexedBook is the searchable part of a book. Thumbnails and paths stay
// in SQLite.
type IndexedBook struct {
	Title   string `json:"title"`
	Authors string `json:"authors"`
	Summary string `json:"summary"`
	Genre   string `json:"genre"`
}

// SearchResult is a single hit
type SearchResult struct {
	ID    int64
	Score float64
}

// Source feeds Rebuild
type Source interface {
	Count() (int, error)
	Each(fn func(*storage.Book) error) error
}

// Open opens or creates a Bleve index
func Open(path string) (*Index, error) {
	// Try to open existing index
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		indexMapping, mapErr := buildIndexMapping()
		if mapErr != nil {
			return nil, fmt.Errorf("build mapping: %w", mapErr)
		}
		idx, err = bleve.New(path, indexMapping)
		if err != nil {
			return nil, fmt.Errorf("create index: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	return &Index{index: idx, path: path}, nil
}

// buildIndexMapping maps the four text fields and nothing else. Titles,
// authors and genres are not stemmed so prefix queries see whole words.
func buildIndexMapping() (mapping.IndexMapping, error) {
	indexMapping := bleve.NewIndexMapping()
	err := indexMapping.AddCustomAnalyzer(foldedAnalyzer, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     unicode.Name,
		"token_filters": []string{lowercase.Name},
	})
	if err != nil {
		return nil, err
	}

	textField := func(analyzer string) *mapping.FieldMapping {
		fm := bleve.NewTextFieldMapping()
		fm.Analyzer = analyzer
		fm.Store = false
		return fm
	}

	docMapping := bleve.NewDocumentMapping()
	docMapping.Dynamic = false
	docMapping.AddFieldMappingsAt(FieldTitle, textField(foldedAnalyzer))
	docMapping.AddFieldMappingsAt(FieldAuthors, textField(foldedAnalyzer))
	docMapping.AddFieldMappingsAt(FieldGenre, textField(foldedAnalyzer))
	docMapping.AddFieldMappingsAt(FieldSummary, textField("en"))

	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultAnalyzer = foldedAnalyzer

	return indexMapping, nil
}

// Close closes the index
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.index.Close()
}

// IndexBook adds a book under its row id
func (i *Index) IndexBook(book *storage.Book) error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.index.Index(docID(book.ID), toIndexed(book))
}

// Search runs q and returns up to limit hits, best first
func (i *Index) Search(q query.Query, limit int) ([]*SearchResult, error) {
	req := bleve.NewSearchRequestOptions(q, limit, 0, false)

	i.mu.RLock()
	results, err := i.index.Search(req)
	i.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	hits := make([]*SearchResult, 0, len(results.Hits))
	for _, hit := range results.Hits {
		id, err := strconv.ParseInt(hit.ID, 10, 64)
		if err != nil {
			continue
		}
		hits = append(hits, &SearchResult{ID: id, Score: hit.Score})
	}

	return hits, nil
}

// Rebuild indexes every book in src into a fresh index and swaps it in.
// The current index keeps serving until the new one is complete, and is
// left untouched when src fails.
func (i *Index) Rebuild(src Source, progress func(current, total int)) error {
	total, err := src.Count()
	if err != nil {
		return fmt.Errorf("count books: %w", err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	tmpPath := i.path + ".rebuild"
	if err := os.RemoveAll(tmpPath); err != nil {
		return fmt.Errorf("remove stale rebuild: %w", err)
	}
	indexMapping, err := buildIndexMapping()
	if err != nil {
		return fmt.Errorf("build mapping: %w", err)
	}
	fresh, err := bleve.New(tmpPath, indexMapping)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}

	if err := fill(fresh, src, total, progress); err != nil {
		fresh.Close()
		os.RemoveAll(tmpPath)
		return err
	}
	if err := fresh.Close(); err != nil {
		os.RemoveAll(tmpPath)
		return fmt.Errorf("close rebuilt index: %w", err)
	}

	if err := i.index.Close(); err != nil {
		os.RemoveAll(tmpPath)
		return fmt.Errorf("close index: %w", err)
	}
	if err := os.RemoveAll(i.path); err != nil {
		return i.reopen(fmt.Errorf("remove index: %w", err))
	}
	if err := os.Rename(tmpPath, i.path); err != nil {
		return i.reopen(fmt.Errorf("swap index: %w", err))
	}
	idx, err := bleve.Open(i.path)
	if err != nil {
		return i.reopen(fmt.Errorf("open rebuilt index: %w", err))
	}
	i.index = idx

	return nil
}

// fill batches every book of src into idx
func fill(idx bleve.Index, src Source, total int, progress func(current, total int)) error {
	batch := idx.NewBatch()
	current := 0
	err := src.Each(func(book *storage.Book) error {
		if err := batch.Index(docID(book.ID), toIndexed(book)); err != nil {
			return fmt.Errorf("batch index %d: %w", book.ID, err)
		}
		current++

		if batch.Size() >= rebuildBatchSize {
			if err := idx.Batch(batch); err != nil {
				return fmt.Errorf("commit batch: %w", err)
			}
			batch.Reset()
			if progress != nil {
				progress(current, total)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if batch.Size() > 0 {
		if err := idx.Batch(batch); err != nil {
			return fmt.Errorf("commit batch: %w", err)
		}
	}
	if progress != nil {
		progress(current, total)
	}

	return nil
}

// reopen puts a usable index back at i.path after a failed swap, falling
// back to an empty one. Caller holds the write lock.
func (i *Index) reopen(cause error) error {
	if idx, err := bleve.Open(i.path); err == nil {
		i.index = idx
		return cause
	}
	os.RemoveAll(i.path)
	indexMapping, err := buildIndexMapping()
	if err != nil {
		return errors.Join(cause, err)
	}
	idx, err := bleve.New(i.path, indexMapping)
	if err != nil {
		return errors.Join(cause, fmt.Errorf("recreate index: %w", err))
	}
	i.index = idx
	return cause
}

// Count returns the number of documents in the index
func (i *Index) Count() (uint64, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.index.DocCount()
}

func docID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func toIndexed(book *storage.Book) *IndexedBook {
	return &IndexedBook{
		Title:   book.Title,
		Authors: book.Authors,
		Summary: book.Summary,
		Genre:   book.Genre,
	}
}
