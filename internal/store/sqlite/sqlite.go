// Package sqlite implements a SQLite-based persistence driver using GORM.
package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MahdiBaghbani/ldapmailsync/internal/store"
	"github.com/MahdiBaghbani/ldapmailsync/internal/store/gormstore"
)

// FileName is the database file created inside the data directory.
const FileName = "ldap-mailcow.sqlite3"

func init() {
	store.Register("sqlite", NewDriver)
}

// NewDriver creates a new SQLite driver instance.
func NewDriver(cfg *store.DriverConfig) (store.Store, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir is required for sqlite driver")
	}
	dataDir := cfg.DataDir

	return gormstore.New("sqlite", func(ctx context.Context) (*gorm.DB, error) {
		if err := os.MkdirAll(dataDir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		return gorm.Open(sqlite.Open(filepath.Join(dataDir, FileName)), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
	}), nil
}
