package kv

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv_entries (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// SQLite is a Store persisted in a local SQLite file or a remote libsql
// database. The byte ceiling uses the same two-bytes-per-unit estimate as
// the in-memory backend, maintained as a running total so writes do not
// rescan the table.
type SQLite struct {
	db       *sql.DB
	maxBytes int64

	mu   sync.Mutex
	used int64
}

// OpenSQLite opens the database at rawURL, creating the schema when
// missing. file: URLs pass through unchanged; libsql:// URLs get the auth
// token appended as a query parameter.
func OpenSQLite(rawURL, authToken string, maxBytes int64) (*SQLite, error) {
	dsn, err := buildDSN(rawURL, authToken)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open libsql db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create kv schema: %w", err)
	}

	store := &SQLite{db: db, maxBytes: maxBytes}
	if err := store.initUsage(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *SQLite) initUsage() error {
	var used sql.NullInt64
	err := s.db.QueryRow(`SELECT SUM((LENGTH(key) + LENGTH(value)) * 2) FROM kv_entries;`).Scan(&used)
	if err != nil {
		return fmt.Errorf("scan kv usage: %w", err)
	}
	s.used = used.Int64
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv_entries WHERE key = ?;`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get kv entry: %w", err)
	}
	return value, nil
}

func (s *SQLite) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing int64
	var old string
	err := s.db.QueryRow(`SELECT value FROM kv_entries WHERE key = ?;`, key).Scan(&old)
	switch {
	case err == nil:
		existing = EstimateBytes(key, old)
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("read kv entry before write: %w", err)
	}

	next := s.used - existing + EstimateBytes(key, value)
	if s.maxBytes > 0 && next > s.maxBytes {
		return ErrQuotaExceeded
	}

	_, err = s.db.Exec(`
INSERT INTO kv_entries (key, value, updated_at)
VALUES (?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(key) DO UPDATE SET
  value = excluded.value,
  updated_at = CURRENT_TIMESTAMP;
`, key, value)
	if err != nil {
		return fmt.Errorf("write kv entry: %w", err)
	}
	s.used = next
	return nil
}

func (s *SQLite) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var old string
	err := s.db.QueryRow(`SELECT value FROM kv_entries WHERE key = ?;`, key).Scan(&old)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read kv entry before delete: %w", err)
	}

	if _, err := s.db.Exec(`DELETE FROM kv_entries WHERE key = ?;`, key); err != nil {
		return fmt.Errorf("delete kv entry: %w", err)
	}
	s.used -= EstimateBytes(key, old)
	return nil
}

func (s *SQLite) Keys(prefix string) ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM kv_entries WHERE key LIKE ? ORDER BY key;`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("list kv keys: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan kv key: %w", err)
		}
		out = append(out, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kv keys: %w", err)
	}
	return out, nil
}

func buildDSN(rawURL, authToken string) (string, error) {
	if strings.TrimSpace(rawURL) == "" {
		return "", fmt.Errorf("empty database url")
	}

	if strings.HasPrefix(rawURL, "file:") {
		return rawURL, nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse database url: %w", err)
	}

	if strings.HasPrefix(rawURL, "libsql://") {
		query := parsed.Query()
		if query.Get("authToken") == "" && strings.TrimSpace(authToken) != "" {
			query.Set("authToken", strings.TrimSpace(authToken))
			parsed.RawQuery = query.Encode()
		}
	}

	return parsed.String(), nil
}
