package scan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/renderinc/libris/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// jpegHeader is enough for content sniffing to report image/jpeg
var jpegHeader = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}

type memIndexer struct {
	books  []*storage.Book
	failOn string
}

func (m *memIndexer) Insert(book *storage.Book) (int64, error) {
	if m.failOn != "" && book.Title == m.failOn {
		return 0, errors.New("disk full")
	}
	m.books = append(m.books, book)
	book.ID = int64(len(m.books))
	return book.ID, nil
}

func (m *memIndexer) titles() []string {
	out := make([]string, len(m.books))
	for i, b := range m.books {
		out[i] = b.Title
	}
	return out
}

func opf(title, author string) string {
	return `<?xml version="1.0" encoding="utf-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="2.0">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:title>` + title + `</dc:title>
    <dc:creator>` + author + `</dc:creator>
    <dc:subject>Science Fiction</dc:subject>
  </metadata>
</package>`
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func newScanner(t *testing.T, root string, idx Indexer) *Scanner {
	return New(root, idx, nil, Options{}, zaptest.NewLogger(t))
}

func TestScanBuildsRecords(t *testing.T) {
	root := t.TempDir()
	book := filepath.Join(root, "A. Bertram Chandler", "The Broken Cycle (10229)")
	writeFile(t, filepath.Join(book, "metadata.opf"), []byte(opf("The Broken Cycle", "A. Bertram Chandler")))
	writeFile(t, filepath.Join(book, "cover.jpg"), jpegHeader)
	writeFile(t, filepath.Join(book, "The Broken Cycle.MOBI"), []byte("mobi"))
	writeFile(t, filepath.Join(root, "stray.txt"), []byte("not an author"))

	idx := &memIndexer{}
	stats, err := newScanner(t, root, idx).Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Authors)
	assert.Equal(t, 1, stats.Indexed)
	require.Len(t, idx.books, 1)

	b := idx.books[0]
	assert.Equal(t, "The Broken Cycle", b.Title)
	assert.Equal(t, "A. Bertram Chandler", b.Authors)
	assert.Equal(t, "Science Fiction", b.Genre)
	assert.Equal(t, book, b.BookDir)
	require.NotNil(t, b.Thumbnail)
	assert.True(t, strings.HasPrefix(*b.Thumbnail, "data:image/jpeg;base64,"))
	require.NotNil(t, b.CoverPath)
	assert.Equal(t, filepath.Join(book, "cover.jpg"), *b.CoverPath)
	require.NotNil(t, b.SourcePath)
	assert.Equal(t, filepath.Join(book, "The Broken Cycle.MOBI"), *b.SourcePath)
}

func TestScanSkipsBooksWithoutMetadata(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "Author", "Has Metadata", "metadata.opf"), []byte(opf("Kept", "Author")))
	writeFile(t, filepath.Join(root, "Author", "No Metadata", "cover.jpg"), jpegHeader)

	idx := &memIndexer{}
	stats, err := newScanner(t, root, idx).Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"Kept"}, idx.titles())
	assert.Equal(t, 2, stats.Books)
	assert.Equal(t, 1, stats.Skipped)
}

func TestScanUnreadableCoverLeavesThumbnailNil(t *testing.T) {
	root := t.TempDir()
	book := filepath.Join(root, "Author", "Book")
	writeFile(t, filepath.Join(book, "metadata.opf"), []byte(opf("Book", "Author")))
	// A directory named like the cover cannot be read as a file
	require.NoError(t, os.MkdirAll(filepath.Join(book, "cover.jpg"), 0o755))

	idx := &memIndexer{}
	_, err := newScanner(t, root, idx).Scan(context.Background())
	require.NoError(t, err)

	require.Len(t, idx.books, 1)
	assert.Nil(t, idx.books[0].Thumbnail)
	assert.Nil(t, idx.books[0].CoverPath)
	assert.Nil(t, idx.books[0].SourcePath)
}

func TestScanIsolatesBrokenBooks(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "Author", "1 Broken", "metadata.opf"), []byte("<package><metadata>"))
	writeFile(t, filepath.Join(root, "Author", "2 Refused", "metadata.opf"), []byte(opf("Refused", "Author")))
	writeFile(t, filepath.Join(root, "Author", "3 Fine", "metadata.opf"), []byte(opf("Fine", "Author")))

	idx := &memIndexer{failOn: "Refused"}
	stats, err := newScanner(t, root, idx).Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"Fine"}, idx.titles())
	assert.Equal(t, 1, stats.ExtractErrors)
	assert.Equal(t, 1, stats.StorageErrors)
	assert.Equal(t, 1, stats.Indexed)
}

func TestScanTwiceAppendsDuplicates(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "B Author", "Book", "metadata.opf"), []byte(opf("Second", "B Author")))
	writeFile(t, filepath.Join(root, "A Author", "Book", "metadata.opf"), []byte(opf("First", "A Author")))

	idx := &memIndexer{}
	s := newScanner(t, root, idx)
	for i := 0; i < 2; i++ {
		_, err := s.Scan(context.Background())
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"First", "Second", "First", "Second"}, idx.titles())
}

func TestScanMissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "gone")

	_, err := newScanner(t, root, &memIndexer{}).Scan(context.Background())
	var werr *WalkError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, root, werr.Root)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestScanStopsOnCancel(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "Author", "Book", "metadata.opf"), []byte(opf("Book", "Author")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	idx := &memIndexer{}
	stats, err := newScanner(t, root, idx).Scan(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, stats)
	assert.Empty(t, idx.books)
}

func TestOptionsOverride(t *testing.T) {
	root := t.TempDir()
	book := filepath.Join(root, "Author", "Book")
	writeFile(t, filepath.Join(book, "content.opf"), []byte(opf("Custom", "Author")))
	writeFile(t, filepath.Join(book, "folder.png"), []byte("\x89PNG\r\n\x1a\n0000"))
	writeFile(t, filepath.Join(book, "book.azw3"), []byte("azw3"))

	idx := &memIndexer{}
	opts := Options{MetadataFile: "content.opf", CoverFiles: []string{"cover.jpg", "folder.png"}, SourceExt: ".azw3"}
	_, err := New(root, idx, nil, opts, zaptest.NewLogger(t)).Scan(context.Background())
	require.NoError(t, err)

	require.Len(t, idx.books, 1)
	b := idx.books[0]
	require.NotNil(t, b.Thumbnail)
	assert.True(t, strings.HasPrefix(*b.Thumbnail, "data:image/png;base64,"))
	require.NotNil(t, b.SourcePath)
	assert.Equal(t, filepath.Join(book, "book.azw3"), *b.SourcePath)
}
