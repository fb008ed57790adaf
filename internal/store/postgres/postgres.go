// Package postgres implements a PostgreSQL persistence driver using GORM and pgx.
package postgres

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MahdiBaghbani/ldapmailsync/internal/store"
	"github.com/MahdiBaghbani/ldapmailsync/internal/store/gormstore"
)

func init() {
	store.Register("postgres", NewDriver)
}

// NewDriver creates a new PostgreSQL driver instance.
func NewDriver(cfg *store.DriverConfig) (store.Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required for postgres driver")
	}
	dsn := cfg.DSN

	return gormstore.New("postgres", func(ctx context.Context) (*gorm.DB, error) {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("ping: %w", err)
		}
		return db, nil
	}), nil
}
