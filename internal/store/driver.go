// Package store provides persistence primitives and driver abstractions for
// the tracking ledger.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/MahdiBaghbani/ldapmailsync/internal/account"
)

// Common errors for store operations.
var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")
)

// Driver defines the interface for a persistence backend.
// Implementations must be safe for concurrent use.
type Driver interface {
	// Init initializes the driver (create tables, load data, etc).
	Init(ctx context.Context) error

	// Close releases resources held by the driver.
	Close() error

	// Name returns the driver name (json, sqlite, postgres).
	Name() string
}

// EntityStore persists the last known state of every tracked principal.
// Entities are never deleted.
type EntityStore interface {
	// Get returns the entity or ErrNotFound.
	Get(ctx context.Context, identifier string) (*account.Entity, error)

	// Upsert writes the full entity, creating it if needed.
	Upsert(ctx context.Context, e *account.Entity) error

	// ListStaleSince returns entities last seen before epoch whose state is
	// not excluding.
	ListStaleSince(ctx context.Context, epoch account.Epoch, excluding account.ActiveState) ([]*account.Entity, error)

	// List returns every tracked entity ordered by identifier.
	List(ctx context.Context) ([]*account.Entity, error)
}

// Store is a driver that also serves entities.
type Store interface {
	Driver
	EntityStore
}

// EntityRecord is the persisted row form of an account.Entity. Principal sets
// are stored as ";"-joined sorted identifiers.
type EntityRecord struct {
	Identifier            string `json:"identifier" gorm:"primaryKey"`
	Active                int    `json:"active"`
	DisplayName           string `json:"display_name"`
	InactiveCount         int    `json:"inactive_count"`
	LastSeenEpoch         int64  `json:"last_seen_epoch" gorm:"index"`
	MailPermRO            string `json:"mail_perm_ro"`
	MailPermRW            string `json:"mail_perm_rw"`
	MailPermROInbox       string `json:"mail_perm_ro_inbox"`
	MailPermROSent        string `json:"mail_perm_ro_sent"`
	SendOnBehalfCommitted string `json:"send_on_behalf_committed"`
	SendOnBehalfPending   string `json:"send_on_behalf_pending"`
}

// TableName pins the table name across drivers.
func (EntityRecord) TableName() string { return "entities" }

const setSeparator = ";"

// JoinPrincipals renders a set in its stored form.
func JoinPrincipals(p account.Principals) string {
	return strings.Join(p.Sorted(), setSeparator)
}

// SplitPrincipals parses the stored form; empty elements are dropped.
func SplitPrincipals(s string) account.Principals {
	if s == "" {
		return account.NewPrincipals()
	}
	return account.NewPrincipals(strings.Split(s, setSeparator)...)
}

// ToRecord converts an entity to its row form.
func ToRecord(e *account.Entity) *EntityRecord {
	return &EntityRecord{
		Identifier:            e.Identifier,
		Active:                int(e.ActiveState),
		DisplayName:           e.DisplayName,
		InactiveCount:         e.InactivityStrikes,
		LastSeenEpoch:         int64(e.LastSeenEpoch),
		MailPermRO:            JoinPrincipals(e.Permission(account.ReadOnly)),
		MailPermRW:            JoinPrincipals(e.Permission(account.ReadWrite)),
		MailPermROInbox:       JoinPrincipals(e.Permission(account.ReadOnlyInbox)),
		MailPermROSent:        JoinPrincipals(e.Permission(account.ReadOnlySent)),
		SendOnBehalfCommitted: JoinPrincipals(e.SendOnBehalfCommitted),
		SendOnBehalfPending:   JoinPrincipals(e.SendOnBehalfPending),
	}
}

// Entity converts a row back to the domain type.
func (r *EntityRecord) Entity() *account.Entity {
	e := account.NewEntity(r.Identifier, r.DisplayName, account.ActiveState(r.Active), account.Epoch(r.LastSeenEpoch))
	e.InactivityStrikes = r.InactiveCount
	e.SetPermission(account.ReadOnly, SplitPrincipals(r.MailPermRO))
	e.SetPermission(account.ReadWrite, SplitPrincipals(r.MailPermRW))
	e.SetPermission(account.ReadOnlyInbox, SplitPrincipals(r.MailPermROInbox))
	e.SetPermission(account.ReadOnlySent, SplitPrincipals(r.MailPermROSent))
	e.SendOnBehalfCommitted = SplitPrincipals(r.SendOnBehalfCommitted)
	e.SendOnBehalfPending = SplitPrincipals(r.SendOnBehalfPending)
	return e
}

// SortEntities orders entities by identifier in place.
func SortEntities(es []*account.Entity) {
	sort.Slice(es, func(i, j int) bool { return es[i].Identifier < es[j].Identifier })
}
