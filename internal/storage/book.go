package storage

import "time"

// Book is one indexed book directory. Rows are appended by the scanner and
// never updated, so a re-scan of the same tree yields a second row per book.
type Book struct {
	ID         int64     `db:"id"`
	Title      string    `db:"title"`
	Authors    string    `db:"authors"` // Creators joined with ", "
	Summary    string    `db:"summary"`
	Genre      string    `db:"genre"`
	Thumbnail  *string   `db:"thumbnail"`   // data: URI, NULL without a readable cover
	SourcePath *string   `db:"source_path"` // Absolute path of the convertible file
	CoverPath  *string   `db:"cover_path"`  // Absolute path of the cover image
	BookDir    string    `db:"book_dir"`
	ScannedAt  time.Time `db:"scanned_at"`
}
