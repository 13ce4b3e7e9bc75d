// Package catalog is the book index: rows in SQLite, full-text in Bleve.
package catalog

import (
	"fmt"

	"github.com/renderinc/libris/internal/metadata"
	"github.com/renderinc/libris/internal/search"
	"github.com/renderinc/libris/internal/storage"
)

// StorageError reports an index that could not be read or written
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Stats holds row and document counts
type Stats struct {
	Books   int    `json:"books"`
	Indexed uint64 `json:"indexed"`
}

// Catalog appends books and answers list and search calls. Title and
// author searches are separate calls; callers merge the two result sets.
type Catalog struct {
	db          *storage.DB
	idx         *search.Index
	searchLimit int
}

// New builds a catalog over an open database and index
func New(db *storage.DB, idx *search.Index, searchLimit int) *Catalog {
	if searchLimit <= 0 {
		searchLimit = 50
	}
	return &Catalog{db: db, idx: idx, searchLimit: searchLimit}
}

// Insert appends book. Missing text fields take the metadata defaults so
// every row can be displayed.
func (c *Catalog) Insert(book *storage.Book) (int64, error) {
	applyDefaults(book)

	id, err := c.db.Insert(book)
	if err != nil {
		return 0, &StorageError{Op: "insert book", Err: err}
	}

	// The row stays if indexing fails; Reindex brings Bleve back in line
	if err := c.idx.IndexBook(book); err != nil {
		return id, &StorageError{Op: "index book", Err: err}
	}

	return id, nil
}

// ListRecent returns up to limit books in storage order
func (c *Catalog) ListRecent(limit int) ([]*storage.Book, error) {
	books, err := c.db.List(limit)
	if err != nil {
		return nil, &StorageError{Op: "list books", Err: err}
	}
	return books, nil
}

// Get returns one book, nil if the id is unknown
func (c *Catalog) Get(id int64) (*storage.Book, error) {
	book, err := c.db.Get(id)
	if err != nil {
		return nil, &StorageError{Op: "get book", Err: err}
	}
	return book, nil
}

// SearchByTitle matches term against titles only
func (c *Catalog) SearchByTitle(term string) ([]*storage.Book, error) {
	return c.searchField(search.FieldTitle, term)
}

// SearchByAuthor matches term against the joined author names only
func (c *Catalog) SearchByAuthor(term string) ([]*storage.Book, error) {
	return c.searchField(search.FieldAuthors, term)
}

func (c *Catalog) searchField(field, term string) ([]*storage.Book, error) {
	q, err := search.ParseQuery(field, term)
	if err != nil {
		return nil, err
	}

	hits, err := c.idx.Search(q, c.searchLimit)
	if err != nil {
		return nil, &StorageError{Op: "search " + field, Err: err}
	}

	ids := make([]int64, len(hits))
	for i, hit := range hits {
		ids[i] = hit.ID
	}

	books, err := c.db.GetMany(ids)
	if err != nil {
		return nil, &StorageError{Op: "load search hits", Err: err}
	}
	return books, nil
}

// Reindex rebuilds the full-text index from the stored rows
func (c *Catalog) Reindex(progress func(current, total int)) error {
	if err := c.idx.Rebuild(c.db, progress); err != nil {
		return &StorageError{Op: "rebuild index", Err: err}
	}
	return nil
}

// Stats returns row and index document counts
func (c *Catalog) Stats() (Stats, error) {
	books, err := c.db.Count()
	if err != nil {
		return Stats{}, &StorageError{Op: "count books", Err: err}
	}
	indexed, err := c.idx.Count()
	if err != nil {
		return Stats{}, &StorageError{Op: "count index", Err: err}
	}
	return Stats{Books: books, Indexed: indexed}, nil
}

func applyDefaults(book *storage.Book) {
	if book.Title == "" {
		book.Title = metadata.DefaultTitle
	}
	if book.Authors == "" {
		book.Authors = metadata.DefaultAuthor
	}
	if book.Summary == "" {
		book.Summary = metadata.DefaultSummary
	}
	if book.Genre == "" {
		book.Genre = metadata.DefaultGenre
	}
}
