package sanago

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/jesse457/SanaGo-desktop-sub000/storage"
)

// TokenKey is the store key holding the bearer token.
const TokenKey = "auth_token"

// Store is the persistent key-value capability the sync engine and the
// client depend on. Implementations never return errors: any failure reads
// as a miss (nil, false) or a failed write (false).
type Store interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool)
	Set(ctx context.Context, key string, value any) bool
	Delete(ctx context.Context, key string) bool
	Clear(ctx context.Context) bool
}

// SecureStore adapts a storage.Backend to Store, encoding values as JSON
// and swallowing backend failures after logging them.
type SecureStore struct {
	backend storage.Backend
}

// NewSecureStore wraps backend. Wrap the backend in storage.SealedBackend
// for encryption at rest.
func NewSecureStore(backend storage.Backend) *SecureStore {
	return &SecureStore{backend: backend}
}

func (s *SecureStore) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	data, err := s.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Warn().Err(err).Str("op", "get").Str("key", key).Msg("secure store failure")
		}
		return nil, false
	}
	if !json.Valid(data) {
		log.Warn().Str("op", "get").Str("key", key).Msg("secure store holds non-JSON value")
		return nil, false
	}
	return json.RawMessage(data), true
}

func (s *SecureStore) Set(ctx context.Context, key string, value any) bool {
	data, err := json.Marshal(value)
	if err != nil {
		log.Warn().Err(err).Str("op", "set").Str("key", key).Msg("secure store encode failure")
		return false
	}
	if err := s.backend.Put(ctx, key, data); err != nil {
		log.Warn().Err(err).Str("op", "set").Str("key", key).Msg("secure store failure")
		return false
	}
	return true
}

func (s *SecureStore) Delete(ctx context.Context, key string) bool {
	if err := s.backend.Delete(ctx, key); err != nil {
		log.Warn().Err(err).Str("op", "delete").Str("key", key).Msg("secure store failure")
		return false
	}
	return true
}

// Clear wipes every key, including the token. It is the logout teardown.
func (s *SecureStore) Clear(ctx context.Context) bool {
	if err := s.backend.Clear(ctx); err != nil {
		log.Warn().Err(err).Str("op", "clear").Msg("secure store failure")
		return false
	}
	return true
}

// Close releases the backend.
func (s *SecureStore) Close() error {
	return s.backend.Close()
}

// LoadJSON reads key and decodes it into T. A value that does not decode
// is treated as a miss.
func LoadJSON[T any](ctx context.Context, store Store, key string) (T, bool) {
	var zero T
	raw, ok := store.Get(ctx, key)
	if !ok {
		return zero, false
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("cached value does not match requested type")
		return zero, false
	}
	return v, true
}
