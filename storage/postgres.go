package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend stores values in a shared PostgreSQL table. Every
// workstation profile owns one namespace, so Clear only wipes its own rows.
type PostgresBackend struct {
	pool      *pgxpool.Pool
	namespace string
	ownsPool  bool
}

// OpenPostgres connects to dsn, creates the table when missing and returns a
// backend scoped to namespace.
func OpenPostgres(ctx context.Context, dsn, namespace string) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	b, err := NewPostgresBackend(ctx, pool, namespace)
	if err != nil {
		pool.Close()
		return nil, err
	}
	b.ownsPool = true
	return b, nil
}

// NewPostgresBackend wraps an existing pool. The pool is not closed by Close.
func NewPostgresBackend(ctx context.Context, pool *pgxpool.Pool, namespace string) (*PostgresBackend, error) {
	if namespace == "" {
		namespace = "default"
	}
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS sanago_kv (
    namespace TEXT NOT NULL,
    key TEXT NOT NULL,
    value BYTEA NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (namespace, key)
)`)
	if err != nil {
		return nil, fmt.Errorf("ensure kv table: %w", err)
	}
	return &PostgresBackend{pool: pool, namespace: namespace}, nil
}

func (p *PostgresBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM sanago_kv WHERE namespace = $1 AND key = $2`,
		p.namespace, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return value, nil
}

func (p *PostgresBackend) Put(ctx context.Context, key string, value []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO sanago_kv (namespace, key, value, updated_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		p.namespace, key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

func (p *PostgresBackend) Delete(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM sanago_kv WHERE namespace = $1 AND key = $2`, p.namespace, key); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

func (p *PostgresBackend) Clear(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM sanago_kv WHERE namespace = $1`, p.namespace); err != nil {
		return fmt.Errorf("clear namespace %q: %w", p.namespace, err)
	}
	return nil
}

func (p *PostgresBackend) Close() error {
	if p.ownsPool {
		p.pool.Close()
	}
	return nil
}
