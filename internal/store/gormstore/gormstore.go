// Package gormstore implements store.EntityStore on top of a GORM handle.
// The sqlite and postgres drivers only differ in how they open the database.
package gormstore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MahdiBaghbani/ldapmailsync/internal/account"
	"github.com/MahdiBaghbani/ldapmailsync/internal/store"
)

// Opener opens the underlying database.
type Opener func(ctx context.Context) (*gorm.DB, error)

// Store is a GORM-backed entity store.
type Store struct {
	name string
	open Opener
	db   *gorm.DB
}

var _ store.Store = (*Store)(nil)

// New returns a store named name that opens its database with open on Init.
func New(name string, open Opener) *Store {
	return &Store{name: name, open: open}
}

// Name returns the driver name.
func (s *Store) Name() string {
	return s.name
}

// Init opens the database and runs AutoMigrate.
func (s *Store) Init(ctx context.Context) error {
	db, err := s.open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	s.db = db

	if err := db.WithContext(ctx).AutoMigrate(&store.EntityRecord{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Get retrieves an entity by identifier.
func (s *Store) Get(ctx context.Context, identifier string) (*account.Entity, error) {
	if s.db == nil {
		return nil, store.ErrClosed
	}
	var rec store.EntityRecord
	result := s.db.WithContext(ctx).First(&rec, "identifier = ?", identifier)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, result.Error
	}
	return rec.Entity(), nil
}

// Upsert inserts the entity or overwrites every column of the existing row.
func (s *Store) Upsert(ctx context.Context, e *account.Entity) error {
	if s.db == nil {
		return store.ErrClosed
	}
	rec := store.ToRecord(e)
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identifier"}},
		UpdateAll: true,
	}).Create(rec)
	return result.Error
}

// ListStaleSince returns entities with last_seen_epoch < epoch and active != excluding.
func (s *Store) ListStaleSince(ctx context.Context, epoch account.Epoch, excluding account.ActiveState) ([]*account.Entity, error) {
	if s.db == nil {
		return nil, store.ErrClosed
	}
	var recs []*store.EntityRecord
	result := s.db.WithContext(ctx).
		Where("last_seen_epoch < ? AND active <> ?", int64(epoch), int(excluding)).
		Order("identifier").
		Find(&recs)
	if result.Error != nil {
		return nil, result.Error
	}
	return toEntities(recs), nil
}

// List returns all entities.
func (s *Store) List(ctx context.Context) ([]*account.Entity, error) {
	if s.db == nil {
		return nil, store.ErrClosed
	}
	var recs []*store.EntityRecord
	if result := s.db.WithContext(ctx).Order("identifier").Find(&recs); result.Error != nil {
		return nil, result.Error
	}
	return toEntities(recs), nil
}

func toEntities(recs []*store.EntityRecord) []*account.Entity {
	out := make([]*account.Entity, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Entity())
	}
	return out
}
