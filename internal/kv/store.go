package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"statagent/internal/config"
)

// ErrUnsupportedBackend is returned by Open for unknown store backends.
var ErrUnsupportedBackend = errors.New("unsupported store backend")

// Store is the persisted key-value state shared by the agent and its collaborators.
// Missing keys are never errors: getters return the supplied default.
type Store interface {
	GetString(ctx context.Context, key, def string) (string, error)
	GetBool(ctx context.Context, key string, def bool) (bool, error)
	SaveString(ctx context.Context, key, value string) error
	SaveBool(ctx context.Context, key string, value bool) error
	Contains(ctx context.Context, key string) (bool, error)
	// Delete removes key; a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Scan returns every key with the prefix and its value.
	Scan(ctx context.Context, prefix string) (map[string]string, error)
	Close() error
}

// Open creates the store selected by cfg.Backend.
// Params: cfg validated store settings.
// Returns: opened store or error.
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "badger":
		return OpenBadger(cfg.Dir)
	case "redis":
		return OpenRedis(cfg.URL)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("open store %q: %w", cfg.Backend, ErrUnsupportedBackend)
	}
}

// formatBool encodes bool values stored as strings.
func formatBool(value bool) string {
	return strconv.FormatBool(value)
}

// parseBool decodes a stored bool, falling back to def on garbage.
func parseBool(raw string, def bool) bool {
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return value
}
