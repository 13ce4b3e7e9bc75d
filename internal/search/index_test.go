package search

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/renderinc/libris/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "bleve"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func indexBooks(t *testing.T, idx *Index, books ...*storage.Book) {
	t.Helper()
	for _, b := range books {
		require.NoError(t, idx.IndexBook(b))
	}
}

func searchIDs(t *testing.T, idx *Index, field, term string) []int64 {
	t.Helper()
	q, err := ParseQuery(field, term)
	require.NoError(t, err)

	hits, err := idx.Search(q, 10)
	require.NoError(t, err)

	ids := make([]int64, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	return ids
}

func fixtures() []*storage.Book {
	return []*storage.Book{
		{ID: 1, Title: "The Broken Cycle", Authors: "A. Bertram Chandler", Summary: "Grimes and the cycle", Genre: "Science Fiction"},
		{ID: 2, Title: "Unrelated Title", Authors: "Jane Cycle", Summary: "Nothing broken here", Genre: "Romance"},
		{ID: 3, Title: "The Big Black Mark", Authors: "A. Bertram Chandler, Susan Broken", Summary: "Mutiny", Genre: "Science Fiction"},
	}
}

func TestSearchTitleMatchesAllTerms(t *testing.T) {
	idx := openTestIndex(t)
	indexBooks(t, idx, fixtures()...)

	assert.Equal(t, []int64{1}, searchIDs(t, idx, FieldTitle, "broken cycle"))
	assert.Equal(t, []int64{1}, searchIDs(t, idx, FieldTitle, "BROKEN"))
	assert.Empty(t, searchIDs(t, idx, FieldTitle, "broken mark"))
}

func TestSearchIsFieldScoped(t *testing.T) {
	idx := openTestIndex(t)
	indexBooks(t, idx, fixtures()...)

	// "cycle" is in book 2's author and book 1's title
	assert.Equal(t, []int64{2}, searchIDs(t, idx, FieldAuthors, "cycle"))
	assert.ElementsMatch(t, []int64{1, 3}, searchIDs(t, idx, FieldAuthors, "chandler"))
}

func TestSearchPrefixAndPhrase(t *testing.T) {
	idx := openTestIndex(t)
	indexBooks(t, idx, fixtures()...)

	assert.ElementsMatch(t, []int64{1, 3}, searchIDs(t, idx, FieldAuthors, "chand*"))
	assert.Equal(t, []int64{1}, searchIDs(t, idx, FieldTitle, `"broken cycle"`))
	assert.Empty(t, searchIDs(t, idx, FieldTitle, `"cycle broken"`))
	assert.Equal(t, []int64{3}, searchIDs(t, idx, FieldTitle, `bl* "black mark"`))
}

func TestCount(t *testing.T) {
	idx := openTestIndex(t)
	indexBooks(t, idx, fixtures()...)

	n, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
}

func TestReopenKeepsDocuments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bleve")
	idx, err := Open(path)
	require.NoError(t, err)
	indexBooks(t, idx, fixtures()...)
	require.NoError(t, idx.Close())

	idx, err = Open(path)
	require.NoError(t, err)
	defer idx.Close()
	assert.Equal(t, []int64{1}, searchIDs(t, idx, FieldTitle, "broken cycle"))
}

type sliceSource []*storage.Book

func (s sliceSource) Count() (int, error) { return len(s), nil }

func (s sliceSource) Each(fn func(*storage.Book) error) error {
	for _, b := range s {
		if err := fn(b); err != nil {
			return err
		}
	}
	return nil
}

func TestRebuild(t *testing.T) {
	idx := openTestIndex(t)
	indexBooks(t, idx, &storage.Book{ID: 99, Title: "Stale Entry", Authors: "x", Summary: "s", Genre: "g"})

	var last, total int
	require.NoError(t, idx.Rebuild(sliceSource(fixtures()), func(c, tt int) { last, total = c, tt }))
	assert.Equal(t, 3, last)
	assert.Equal(t, 3, total)

	n, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
	assert.Empty(t, searchIDs(t, idx, FieldTitle, "stale"))
	assert.Equal(t, []int64{1}, searchIDs(t, idx, FieldTitle, "broken cycle"))
}

// brokenSource yields its books and then fails
type brokenSource struct {
	sliceSource
	err error
}

func (s brokenSource) Each(fn func(*storage.Book) error) error {
	if err := s.sliceSource.Each(fn); err != nil {
		return err
	}
	return s.err
}

func TestRebuildFailureKeepsIndex(t *testing.T) {
	idx := openTestIndex(t)
	indexBooks(t, idx, fixtures()...)

	readErr := errors.New("database is locked")
	src := brokenSource{sliceSource: sliceSource{{ID: 7, Title: "Partial", Authors: "p", Summary: "s", Genre: "g"}}, err: readErr}
	err := idx.Rebuild(src, nil)
	require.ErrorIs(t, err, readErr)

	assert.Equal(t, []int64{1}, searchIDs(t, idx, FieldTitle, "broken cycle"))
	assert.Empty(t, searchIDs(t, idx, FieldTitle, "partial"))

	indexBooks(t, idx, &storage.Book{ID: 4, Title: "After Failure", Authors: "a", Summary: "s", Genre: "g"})
	assert.Equal(t, []int64{4}, searchIDs(t, idx, FieldTitle, "after failure"))

	_, statErr := os.Stat(idx.path + ".rebuild")
	assert.True(t, os.IsNotExist(statErr))
}

func TestRebuildTwice(t *testing.T) {
	idx := openTestIndex(t)
	require.NoError(t, idx.Rebuild(sliceSource(fixtures()), nil))
	require.NoError(t, idx.Rebuild(sliceSource(fixtures()[:1]), nil))

	n, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
	assert.Equal(t, []int64{1}, searchIDs(t, idx, FieldTitle, "broken cycle"))
}
