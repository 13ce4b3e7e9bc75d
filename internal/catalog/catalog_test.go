package catalog

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/renderinc/libris/internal/metadata"
	"github.com/renderinc/libris/internal/search"
	"github.com/renderinc/libris/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	cat *Catalog
	db  *storage.DB
	idx *search.Index
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	db, err := storage.Open(filepath.Join(dir, "library.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	idx, err := search.Open(filepath.Join(dir, "bleve"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	return &harness{cat: New(db, idx, 20), db: db, idx: idx}
}

func titles(books []*storage.Book) []string {
	out := make([]string, len(books))
	for i, b := range books {
		out[i] = b.Title
	}
	return out
}

func TestSearchByTitleReturnsOnlyMatches(t *testing.T) {
	h := newHarness(t)
	for _, title := range []string{"The Broken Cycle", "Unrelated Title"} {
		_, err := h.cat.Insert(&storage.Book{Title: title, Authors: "A. Bertram Chandler"})
		require.NoError(t, err)
	}

	books, err := h.cat.SearchByTitle("broken cycle")
	require.NoError(t, err)
	assert.Equal(t, []string{"The Broken Cycle"}, titles(books))
}

func TestSearchByAuthor(t *testing.T) {
	h := newHarness(t)
	_, err := h.cat.Insert(&storage.Book{Title: "One", Authors: "A. Bertram Chandler, Someone Else"})
	require.NoError(t, err)
	_, err = h.cat.Insert(&storage.Book{Title: "Two", Authors: "Jane Doe"})
	require.NoError(t, err)

	books, err := h.cat.SearchByAuthor("someone")
	require.NoError(t, err)
	assert.Equal(t, []string{"One"}, titles(books))

	// Titles are not searched by the author call
	books, err = h.cat.SearchByAuthor("two")
	require.NoError(t, err)
	assert.Empty(t, books)
}

func TestSearchInvalidTerm(t *testing.T) {
	h := newHarness(t)

	_, err := h.cat.SearchByTitle("   ")
	assert.ErrorIs(t, err, search.ErrInvalidQuery)

	_, err = h.cat.SearchByAuthor(`"open`)
	assert.ErrorIs(t, err, search.ErrInvalidQuery)
}

func TestInsertAppliesDefaultsAndAppends(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 2; i++ {
		_, err := h.cat.Insert(&storage.Book{BookDir: "/books/a/b"})
		require.NoError(t, err)
	}

	books, err := h.cat.ListRecent(10)
	require.NoError(t, err)
	require.Len(t, books, 2)
	assert.Equal(t, metadata.DefaultTitle, books[0].Title)
	assert.Equal(t, metadata.DefaultAuthor, books[0].Authors)
	assert.Equal(t, metadata.DefaultSummary, books[0].Summary)
	assert.Equal(t, metadata.DefaultGenre, books[0].Genre)
	assert.Less(t, books[0].ID, books[1].ID)

	stats, err := h.cat.Stats()
	require.NoError(t, err)
	assert.Equal(t, Stats{Books: 2, Indexed: 2}, stats)
}

func TestListRecentHonorsLimit(t *testing.T) {
	h := newHarness(t)
	for _, title := range []string{"a", "b", "c"} {
		_, err := h.cat.Insert(&storage.Book{Title: title})
		require.NoError(t, err)
	}

	books, err := h.cat.ListRecent(2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, titles(books))
}

func TestInsertStorageError(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.db.Close())

	_, err := h.cat.Insert(&storage.Book{Title: "late"})
	var serr *StorageError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "insert book", serr.Op)

	_, err = h.cat.ListRecent(10)
	assert.True(t, errors.As(err, &serr))
}

func TestReindexRestoresSearch(t *testing.T) {
	h := newHarness(t)
	_, err := h.db.Insert(&storage.Book{Title: "Row Only", Authors: "x", Summary: "s", Genre: "g"})
	require.NoError(t, err)

	books, err := h.cat.SearchByTitle("row")
	require.NoError(t, err)
	assert.Empty(t, books)

	require.NoError(t, h.cat.Reindex(nil))

	books, err = h.cat.SearchByTitle("row")
	require.NoError(t, err)
	assert.Equal(t, []string{"Row Only"}, titles(books))
}

func TestGet(t *testing.T) {
	h := newHarness(t)
	id, err := h.cat.Insert(&storage.Book{Title: "Findable"})
	require.NoError(t, err)

	book, err := h.cat.Get(id)
	require.NoError(t, err)
	require.NotNil(t, book)
	assert.Equal(t, "Findable", book.Title)

	book, err = h.cat.Get(id + 1)
	require.NoError(t, err)
	assert.Nil(t, book)
}
