package session

import (
	"context"
	"fmt"
	"path/filepath"
)

// Backend kinds accepted in configuration.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// BackendConfig selects and configures a Backend.
type BackendConfig struct {
	Kind string
	// Dir holds the JSON files (file) or the database (sqlite, when
	// SQLitePath is empty).
	Dir           string
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// OpenBackend builds the configured backend.
func OpenBackend(ctx context.Context, cfg BackendConfig) (Backend, error) {
	switch cfg.Kind {
	case "", BackendFile:
		return NewFileBackend(cfg.Dir)
	case BackendMemory:
		return NewMemoryBackend(), nil
	case BackendSQLite:
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.Dir, "sessions.db")
		}
		return NewSQLiteBackend(path)
	case BackendRedis:
		client, err := DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		return NewRedisBackend(client, cfg.RedisPrefix), nil
	default:
		return nil, fmt.Errorf("unknown session backend %q (expected memory, file, sqlite or redis)", cfg.Kind)
	}
}
