package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// MemoryDB is the filename that opens a shared in-memory database.
const MemoryDB = "file::memory:?cache=shared"

type SQLiteCache struct {
	db *sql.DB
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty or "memory", a new in-memory db is opened.
// The schema is created if it does not exist, so opening an existing file is safe.
func NewSQLiteCache(filename string) (*SQLiteCache, error) {
	if filename == "" || filename == "memory" {
		filename = MemoryDB
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filename, err)
	}
	// all access goes through a single connection, sqlite serializes the rest
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS cache (
		key TEXT PRIMARY KEY,
		status_code INTEGER NOT NULL,
		headers TEXT NOT NULL,
		body BLOB NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache table: %w", err)
	}
	if filename != MemoryDB {
		if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable wal: %w", err)
		}
	}
	return &SQLiteCache{db: db}, nil
}

func (s *SQLiteCache) Lookup(key string) (Entry, bool, error) {
	var (
		headers   string
		createdAt int64
	)
	entry := Entry{Key: key}
	err := s.db.QueryRow(
		"SELECT status_code, headers, body, created_at FROM cache WHERE key = ?", key,
	).Scan(&entry.StatusCode, &headers, &entry.Body, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	if err := json.Unmarshal([]byte(headers), &entry.Header); err != nil {
		return Entry{}, false, fmt.Errorf("decode headers for %s: %w", key, err)
	}
	if entry.Body == nil {
		entry.Body = []byte{}
	}
	entry.CreatedAt = time.Unix(createdAt, 0)
	return entry, true, nil
}

func (s *SQLiteCache) Store(entry Entry) error {
	header := entry.Header
	if header == nil {
		header = http.Header{}
	}
	headers, err := json.Marshal(header)
	if err != nil {
		return err
	}
	body := entry.Body
	if body == nil {
		body = []byte{}
	}
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO cache (key, status_code, headers, body) VALUES (?, ?, ?, ?)",
		entry.Key, entry.StatusCode, string(headers), body,
	)
	return err
}

// Len returns the number of stored entries.
func (s *SQLiteCache) Len() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM cache").Scan(&n)
	return n, err
}

func (s *SQLiteCache) Close() error {
	return s.db.Close()
}
