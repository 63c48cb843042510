package database

import (
	"fmt"
	"os"
	"path/filepath"

	"wsync-go/internal/config"
	"wsync-go/internal/wsync"
)

// NewStoreFromConfig creates a Store implementation based on the store config type.
// Data files are named after the replica so replicas can share a data dir.
func NewStoreFromConfig(cfg config.StoreConfig, replicaID string, logger wsync.Logger, clock wsync.Clock) (wsync.Store, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite store")
		}
		if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		return openSQLite(filepath.Join(cfg.DataDir, replicaID+".db"), clock)
	case "badger":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for badger store")
		}
		store, err := NewBadgerStore(BadgerOptions{
			Dir:    filepath.Join(cfg.DataDir, replicaID+".badger"),
			Logger: logger,
			Clock:  clock,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory":
		return openSQLite(":memory:", clock)
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}
}

func openSQLite(path string, clock wsync.Clock) (wsync.Store, error) {
	store, err := NewSQLiteStore(path, clock)
	if err != nil {
		return nil, err
	}
	return store, nil
}
