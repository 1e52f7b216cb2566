package storage

import (
	"fmt"

	"passfiles/internal/config"
	"passfiles/internal/pf"
)

// NewStorageFromConfig creates a Storage implementation scoped to userID based on the config type.
func NewStorageFromConfig(cfg config.StorageConfig, userID string, logger pf.Logger, clock pf.Clock) (pf.Storage, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStorage(), nil
	case "filesystem":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("filesystem storage requires dir to be set")
		}
		return NewFileStorage(cfg.Dir, userID, logger, clock)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
