// Package storage holds the byte-level backends behind the secure key-value
// store: an in-memory map, a local SQLite file, a shared PostgreSQL table,
// an S3-compatible bucket, and an encrypting wrapper that can sit on top of
// any of them.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by Get when no value is stored under the key.
var ErrNotFound = errors.New("storage: key not found")

// Backend persists opaque values by string key. Writes overwrite; there is
// no expiry and no versioning.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Clear removes every key owned by the backend.
	Clear(ctx context.Context) error
	Close() error
}

var (
	_ Backend = (*MemoryBackend)(nil)
	_ Backend = (*SQLiteBackend)(nil)
	_ Backend = (*PostgresBackend)(nil)
	_ Backend = (*S3Backend)(nil)
	_ Backend = (*SealedBackend)(nil)
)

// DefaultTable is the table name used by the SQL backends.
const DefaultTable = "sanago_kv"

func validKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("storage: key is required")
	}
	return nil
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}
