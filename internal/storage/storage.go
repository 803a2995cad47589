// Package storage provides the key-value backends used to persist the
// offline queue snapshot.
//
// Drivers:
//   - "memory": process-local map, nothing survives a restart
//   - "file":   one JSON document rewritten atomically on every Set
//   - "sqlite": single-table database file
//   - "redis":  remote key-value server
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage closed")

// Store is an async key-value store. Get reports ok=false for missing keys.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Close() error
}

// Config selects and configures a driver.
type Config struct {
	Driver      string
	Path        string
	RedisAddr   string
	RedisDB     int
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store.
func Open(cfg Config, log zerolog.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.Path, log)
	case "sqlite", "sqlite3":
		return NewSQLiteStore(cfg.Path, cfg.BusyTimeout)
	case "redis":
		return NewRedisStore(cfg.RedisAddr, cfg.RedisDB, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
