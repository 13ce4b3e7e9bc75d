package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps SQLite database operations
type DB struct {
	db *sql.DB
}

const bookColumns = `id, title, authors, summary, genre, thumbnail, source_path, cover_path, book_dir, scanned_at`

// Open opens or creates a SQLite database
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL lets searches read while a scan is writing
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	storage := &DB{db: db}

	// Initialize schema
	if err := storage.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return storage, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// initSchema creates tables if they don't exist. There is deliberately no
// unique key: every scan appends.
func (d *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS books (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		authors TEXT NOT NULL,
		summary TEXT NOT NULL,
		genre TEXT NOT NULL,
		thumbnail TEXT,
		source_path TEXT,
		cover_path TEXT,
		book_dir TEXT NOT NULL DEFAULT '',
		scanned_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_book_dir ON books(book_dir);
	`

	_, err := d.db.Exec(schema)
	return err
}

// Insert appends a book and returns its row id
func (d *DB) Insert(book *Book) (int64, error) {
	if book.ScannedAt.IsZero() {
		book.ScannedAt = time.Now().UTC()
	}

	query := `
	INSERT INTO books (
		title, authors, summary, genre, thumbnail, source_path, cover_path, book_dir, scanned_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := d.db.Exec(query,
		book.Title, book.Authors, book.Summary, book.Genre,
		nullString(book.Thumbnail), nullString(book.SourcePath), nullString(book.CoverPath),
		book.BookDir, book.ScannedAt,
	)
	if err != nil {
		return 0, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	book.ID = id
	return id, nil
}

// Get retrieves a book by ID, nil if there is none
func (d *DB) Get(id int64) (*Book, error) {
	row := d.db.QueryRow(`SELECT `+bookColumns+` FROM books WHERE id = ?`, id)

	book, err := scanBook(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return book, nil
}

// List returns up to limit books in insertion order
func (d *DB) List(limit int) ([]*Book, error) {
	rows, err := d.db.Query(`SELECT `+bookColumns+` FROM books ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collect(rows)
}

// GetMany fetches books by ID, keeping the order of ids. Unknown ids are
// skipped.
func (d *DB) GetMany(ids []int64) ([]*Book, error) {
	if len(ids) == 0 {
		return []*Book{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := d.db.Query(`SELECT `+bookColumns+` FROM books WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found, err := collect(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]*Book, len(found))
	for _, b := range found {
		byID[b.ID] = b
	}

	books := make([]*Book, 0, len(ids))
	for _, id := range ids {
		if b, ok := byID[id]; ok {
			books = append(books, b)
		}
	}
	return books, nil
}

// Each calls fn for every book in insertion order, stopping at the first
// error
func (d *DB) Each(fn func(*Book) error) error {
	rows, err := d.db.Query(`SELECT ` + bookColumns + ` FROM books ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		book, err := scanBook(rows)
		if err != nil {
			return err
		}
		if err := fn(book); err != nil {
			return err
		}
	}

	return rows.Err()
}

// Count returns the total number of books
func (d *DB) Count() (int, error) {
	var count int
	err := d.db.QueryRow("SELECT COUNT(*) FROM books").Scan(&count)
	return count, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBook(s scanner) (*Book, error) {
	book := &Book{}
	var thumbnail, sourcePath, coverPath sql.NullString

	err := s.Scan(
		&book.ID, &book.Title, &book.Authors, &book.Summary, &book.Genre,
		&thumbnail, &sourcePath, &coverPath, &book.BookDir, &book.ScannedAt,
	)
	if err != nil {
		return nil, err
	}

	book.Thumbnail = stringPtr(thumbnail)
	book.SourcePath = stringPtr(sourcePath)
	book.CoverPath = stringPtr(coverPath)
	return book, nil
}

func collect(rows *sql.Rows) ([]*Book, error) {
	books := []*Book{}
	for rows.Next() {
		book, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		books = append(books, book)
	}
	return books, rows.Err()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
