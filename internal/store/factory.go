package store

import (
	"fmt"

	"github.com/venuehq/sync-engine/internal/config"
)

// NewFromConfig builds the Store selected by the storage configuration
func NewFromConfig(cfg *config.Config) (Store, error) {
	switch cfg.StorageBackend() {
	case config.StorageBackendFile:
		return NewFileStore(cfg.Storage.Path)
	case config.StorageBackendSQLite:
		return NewSQLiteStore(cfg.Storage.Path)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.StorageBackend())
	}
}
