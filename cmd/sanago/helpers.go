package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	sanago "github.com/jesse457/SanaGo-desktop-sub000"
	"github.com/jesse457/SanaGo-desktop-sub000/kafkapush"
	"github.com/jesse457/SanaGo-desktop-sub000/storage"
)

// openBackend opens the configured backend wrapped in the sealed layer.
func openBackend(ctx context.Context, cfg *Config) (storage.Backend, error) {
	dir, err := configDir()
	if err != nil {
		return nil, err
	}

	var inner storage.Backend
	switch cfg.Store.Backend {
	case "", "sqlite":
		path := cfg.Store.Path
		if path == "" {
			path = filepath.Join(dir, "cache.db")
		}
		inner, err = storage.OpenSQLite(path)
	case "memory":
		inner = storage.NewMemoryBackend()
	case "postgres":
		inner, err = storage.OpenPostgres(ctx, cfg.Store.PostgresDSN, cfg.Store.Namespace)
	case "s3":
		inner, err = storage.NewS3Backend(storage.S3Config{
			Endpoint:  cfg.Store.S3Endpoint,
			Region:    cfg.Store.S3Region,
			AccessKey: cfg.Store.S3AccessKey,
			SecretKey: cfg.Store.S3SecretKey,
			Bucket:    cfg.Store.S3Bucket,
			Prefix:    cfg.Store.S3Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", valueOrDefault(cfg.Store.Backend, "sqlite"), err)
	}

	key, err := storeKey(dir, cfg.Store)
	if err != nil {
		inner.Close()
		return nil, err
	}
	sealed, err := storage.NewSealedBackend(inner, key)
	if err != nil {
		inner.Close()
		return nil, err
	}
	return sealed, nil
}

// storeKey derives the encryption key from the passphrase when one is set,
// otherwise loads (or creates) the key file.
func storeKey(dir string, cfg ConfigStore) ([]byte, error) {
	keyFile := cfg.KeyFile
	if keyFile == "" {
		keyFile = filepath.Join(dir, "store.key")
	}
	if cfg.Passphrase != "" {
		salt, err := storage.LoadOrCreateKeyFile(keyFile + ".salt")
		if err != nil {
			return nil, fmt.Errorf("load key salt: %w", err)
		}
		return storage.DeriveKey(cfg.Passphrase, salt), nil
	}
	key, err := storage.LoadOrCreateKeyFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("load store key: %w", err)
	}
	return key, nil
}

func openStore(ctx context.Context, cfg *Config) (*sanago.SecureStore, error) {
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return sanago.NewSecureStore(backend), nil
}

// withStore opens the configured store for the duration of fn.
func withStore(fn func(ctx context.Context, s *sanago.SecureStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}

// newClient builds an API client that reads the token from store.
func newClient(cfg *Config, store sanago.Store) (*sanago.Client, error) {
	if cfg.API.BaseURL == "" {
		return nil, errors.New("no API base URL configured; run 'sanago init <base-url>' first")
	}
	return sanago.NewClient(cfg.API.BaseURL,
		sanago.WithTokenStore(store),
		sanago.WithTimeout(parseDuration(cfg.API.Timeout, sanago.DefaultTimeout)),
	), nil
}

func newNetworkMonitor(cfg *Config) *sanago.NetworkMonitor {
	return sanago.NewNetworkMonitor(&sanago.NetworkOptions{
		ProbeURL:     cfg.Network.ProbeURL,
		Heartbeat:    parseDuration(cfg.Network.Heartbeat, sanago.DefaultHeartbeat),
		ProbeTimeout: parseDuration(cfg.Network.ProbeTimeout, sanago.DefaultProbeTimeout),
	})
}

// currentUserID resolves the signed-in user: token claims first, then the
// cached config, then GET /user.
func currentUserID(ctx context.Context, cfg *Config, store sanago.Store, client *sanago.Client) (string, error) {
	if tok, ok := sanago.LoadJSON[string](ctx, store, sanago.TokenKey); ok {
		if claims, err := sanago.TokenClaims(tok); err == nil {
			return claims.UserID, nil
		}
	}
	if cfg.Auth.UserID != "" {
		return cfg.Auth.UserID, nil
	}
	me, err := client.Me(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve current user: %w", err)
	}
	return string(me.ID), nil
}

// newPushChannel builds the configured live transport. It returns nil for
// transport "none".
func newPushChannel(ctx context.Context, cfg *Config, store sanago.Store, client *sanago.Client) (sanago.PushChannel, error) {
	if cfg.Realtime.Transport == "none" {
		return nil, nil
	}
	userID, err := currentUserID(ctx, cfg, store, client)
	if err != nil {
		return nil, err
	}
	token, _ := sanago.LoadJSON[string](ctx, store, sanago.TokenKey)
	rc := &sanago.RealtimeConfig{
		Token:         token,
		UserID:        userID,
		AutoReconnect: true,
	}

	switch cfg.Realtime.Transport {
	case "", "sse":
		return sanago.NewRealtimeSSEClient(cfg.API.BaseURL, rc), nil
	case "ws":
		return sanago.NewRealtimeWSClient(cfg.API.BaseURL, rc), nil
	case "kafka":
		return kafkapush.New(kafkapush.Config{
			Brokers: splitList(cfg.Realtime.KafkaBrokers),
			Topic:   cfg.Realtime.KafkaTopic,
			GroupID: cfg.Realtime.KafkaGroup,
			UserID:  userID,
		})
	}
	return nil, fmt.Errorf("unknown realtime transport %q", cfg.Realtime.Transport)
}

// unauthorizedHint is installed as the sync sessions' unauthorized hook.
func unauthorizedHint() {
	log.Warn().Msg("the server rejected the stored token; run 'sanago login <email>'")
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		log.Warn().Str("value", s).Msg("invalid duration in config, using default")
		return def
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// maskKey shows the first 6 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return strings.Repeat("*", len(key))
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
