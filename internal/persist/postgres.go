package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresTableName        = "deploystore_kv"
	postgresOperationTimeout = 5 * time.Second
	// SQLSTATE class 53: insufficient resources (disk full, out of memory).
	postgresInsufficientResources = "53"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresBackend struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidDSN
	}
	return &PostgresBackend{
		dsn:       dsn,
		tableName: postgresTableName,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := b.ensureReady(ctx); err != nil {
		return nil, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT value FROM %s WHERE key = $1", postgresQuoteIdentifier(b.tableName))
	var payload string
	err := b.db.QueryRowContext(ctx, query, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(payload), true, nil
}

func (b *PostgresBackend) Set(ctx context.Context, key string, value []byte) error {
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, postgresQuoteIdentifier(b.tableName))
	_, err := b.db.ExecContext(ctx, query, key, string(value))
	return mapPostgresError(err)
}

func (b *PostgresBackend) Delete(ctx context.Context, key string) error {
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE key = $1", postgresQuoteIdentifier(b.tableName))
	_, err := b.db.ExecContext(ctx, query, key)
	return err
}

func (b *PostgresBackend) Keys(ctx context.Context) ([]string, error) {
	if err := b.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT key FROM %s", postgresQuoteIdentifier(b.tableName))
	rows, err := b.db.QueryContext(ctx, query)
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

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady(ctx context.Context) error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func mapPostgresError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code.Class()) == postgresInsufficientResources {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return err
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
