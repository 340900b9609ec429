package loader

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/glebarez/sqlite"
)

const createModules = `CREATE TABLE IF NOT EXISTS modules (
	name   TEXT PRIMARY KEY,
	source TEXT NOT NULL
)`

// SQLStore keeps module sources in an SQLite database.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens (or creates) the database at dsn. ":memory:" gives a
// private in-memory store.
func OpenSQLStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("loader: opening module store: %w", err)
	}
	if dsn == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		_, _ = db.Exec("PRAGMA journal_mode=WAL")
	}
	s, err := NewSQLStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore uses db, creating the modules table if needed.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	if _, err := db.Exec(createModules); err != nil {
		return nil, fmt.Errorf("loader: creating modules table: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Put stores or replaces a module.
func (s *SQLStore) Put(name, source string) error {
	_, err := s.db.Exec(`INSERT INTO modules (name, source) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET source = excluded.source`, name, source)
	if err != nil {
		return fmt.Errorf("loader: storing %s: %w", name, err)
	}
	return nil
}

// Delete removes a module and reports whether it existed.
func (s *SQLStore) Delete(name string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM modules WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("loader: deleting %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("loader: deleting %s: %w", name, err)
	}
	return n > 0, nil
}

// Resolve accepts any name stored in the database.
func (s *SQLStore) Resolve(_, name string) (string, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM modules WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return "", notFound(name)
	}
	if err != nil {
		return "", fmt.Errorf("loader: resolving %s: %w", name, err)
	}
	return name, nil
}

func (s *SQLStore) Load(name string) (string, error) {
	var src string
	err := s.db.QueryRow(`SELECT source FROM modules WHERE name = ?`, name).Scan(&src)
	if errors.Is(err, sql.ErrNoRows) {
		return "", notFound(name)
	}
	if err != nil {
		return "", fmt.Errorf("loader: loading %s: %w", name, err)
	}
	return src, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
