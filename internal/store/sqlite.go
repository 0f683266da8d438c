// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: One kv table keyed by string key, with an expires_at column for TTL sweeps

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, sweepInterval time.Duration) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store", "driver", "sqlite")

	if path != ":memory:" {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every pooled connection to :memory: would get its own empty database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
		done:   make(chan struct{}),
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if sweepInterval > 0 {
		go s.sweepLoop(sweepInterval)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			props      TEXT NOT NULL,
			expires_at INTEGER,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_kv_expires_at ON kv(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the value under key unless it is missing or expired.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*Item, error) {
	var props string
	err := s.db.QueryRowContext(ctx,
		`SELECT props FROM kv WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, s.now().Unix(),
	).Scan(&props)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying %q: %w", key, err)
	}
	return &Item{Key: key, Props: []byte(props)}, nil
}

// Set overwrites the value under key.
func (s *SQLiteStore) Set(ctx context.Context, key string, props any) (*Item, error) {
	raw, err := encodeProps(props)
	if err != nil {
		return nil, err
	}

	var expiresAt sql.NullInt64
	if at, ok := expiryOf(raw); ok {
		expiresAt = sql.NullInt64{Int64: at.Unix(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv (key, props, expires_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			props = excluded.props,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, key, string(raw), expiresAt, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("writing %q: %w", key, err)
	}
	return &Item{Key: key, Props: raw}, nil
}

// Delete removes key and returns the value it held.
func (s *SQLiteStore) Delete(ctx context.Context, key string) (*Item, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var props string
	var expiresAt sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT props, expires_at FROM kv WHERE key = ?`, key).Scan(&props, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying %q: %w", key, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return nil, fmt.Errorf("deleting %q: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing delete: %w", err)
	}

	if expiresAt.Valid && expiresAt.Int64 <= s.now().Unix() {
		return nil, ErrNotFound
	}
	return &Item{Key: key, Props: []byte(props)}, nil
}

// Sweep deletes every expired row and returns how many were removed.
func (s *SQLiteStore) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("sweeping expired rows: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			n, err := s.Sweep(ctx)
			cancel()
			if err != nil {
				s.logger.Error("ttl sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Debug("ttl sweep removed rows", "count", n)
			}
		case <-s.done:
			return
		}
	}
}

// Close stops the sweeper and closes the database connection
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.db.Close()
	})
	return err
}
