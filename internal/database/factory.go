package database

import (
	"fmt"
	"os"
	"path/filepath"

	"passfiles/internal/config"
)

// NewStoreFromConfig opens the local database based on the counter config type.
func NewStoreFromConfig(cfg config.CounterConfig) (*SQLiteStore, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("path required for sqlite counter")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		return NewSQLiteStore(cfg.Path)
	case "memory":
		return NewSQLiteStore(":memory:")
	default:
		return nil, fmt.Errorf("unknown counter type: %s", cfg.Type)
	}
}
