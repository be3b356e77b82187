package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// SQLiteBackend keeps the cache in a single-table SQLite database. MaxBytes,
// when set, caps the summed size of keys and values.
type SQLiteBackend struct {
	path     string
	maxBytes int64

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteBackend(path string, maxBytes int64) *SQLiteBackend {
	return &SQLiteBackend{path: strings.TrimSpace(path), maxBytes: maxBytes}
}

func (b *SQLiteBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := b.ensureReady(ctx); err != nil {
		return nil, false, err
	}
	var payload string
	err := b.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(payload), true, nil
}

func (b *SQLiteBackend) Set(ctx context.Context, key string, value []byte) error {
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteError(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if b.maxBytes > 0 {
		var used int64
		err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(SUM(LENGTH(key) + LENGTH(value)), 0) FROM kv WHERE key <> ?", key,
		).Scan(&used)
		if err != nil {
			return err
		}
		if used+int64(len(key)+len(value)) > b.maxBytes {
			return ErrQuotaExceeded
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (key)
		DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`, key, string(value))
	if err != nil {
		return mapSQLiteError(err)
	}
	return mapSQLiteError(tx.Commit())
}

func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	_, err := b.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key)
	return err
}

func (b *SQLiteBackend) Keys(ctx context.Context) ([]string, error) {
	if err := b.ensureReady(ctx); err != nil {
		return nil, err
	}
	rows, err := b.db.QueryContext(ctx, "SELECT key FROM kv")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *SQLiteBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLiteBackend) ensureReady(ctx context.Context) error {
	b.initOnce.Do(func() {
		if b.path == "" {
			b.initErr = fmt.Errorf("%w: missing sqlite path", ErrInvalidDSN)
			return
		}
		dsn := filepath.Clean(b.path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			b.initErr = fmt.Errorf("open sqlite db: %w", err)
			return
		}
		if _, err := db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS kv (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`); err != nil {
			_ = db.Close()
			b.initErr = fmt.Errorf("create sqlite table: %w", err)
			return
		}
		b.db = db
	})
	return b.initErr
}

func mapSQLiteError(err error) error {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code()&0xff == sqlite3lib.SQLITE_FULL {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return err
}
