// Package sqlitestore keeps client credentials in a local SQLite file, the
// default for the command line client.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ggoodman/mcp-session-gateway/credentials"
	_ "modernc.org/sqlite"
)

// Store implements credentials.Store on SQLite.
type Store struct {
	db *sql.DB
}

var _ credentials.Store = (*Store)(nil)

// Open creates or opens the database at path. Parent directories are
// created as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	s := &Store{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

func (s *Store) createSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS credentials (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Load(ctx context.Context, serverURL string) (*credentials.Credential, error) {
	var c credentials.Credential
	ok, err := s.get(ctx, credentials.Key(serverURL, credentials.KeyTokens), &c)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

func (s *Store) Save(ctx context.Context, serverURL string, c *credentials.Credential) error {
	return s.put(ctx, credentials.Key(serverURL, credentials.KeyTokens), c)
}

func (s *Store) Delete(ctx context.Context, serverURL string) error {
	return s.del(ctx, credentials.Key(serverURL, credentials.KeyTokens))
}

func (s *Store) SaveVerifier(ctx context.Context, serverURL string, v *credentials.Verifier) error {
	return s.put(ctx, credentials.Key(serverURL, credentials.KeyCodeVerifier), v)
}

func (s *Store) LoadVerifier(ctx context.Context, serverURL string) (*credentials.Verifier, error) {
	var v credentials.Verifier
	ok, err := s.get(ctx, credentials.Key(serverURL, credentials.KeyCodeVerifier), &v)
	if err != nil || !ok {
		return nil, err
	}
	return &v, nil
}

func (s *Store) DeleteVerifier(ctx context.Context, serverURL string) error {
	return s.del(ctx, credentials.Key(serverURL, credentials.KeyCodeVerifier))
}

func (s *Store) get(ctx context.Context, key string, v any) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM credentials WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) put(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, string(raw), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

func (s *Store) del(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}
