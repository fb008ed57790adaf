// Package json keeps the tracking store in one JSON file, rewritten
// atomically on every upsert. Suited to small directories and tests.
package json

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/MahdiBaghbani/ldapmailsync/internal/account"
	"github.com/MahdiBaghbani/ldapmailsync/internal/platform/fsutil"
	"github.com/MahdiBaghbani/ldapmailsync/internal/store"
)

// FileName is the ledger file created inside the data directory.
const FileName = "entities.json"

func init() {
	store.Register("json", NewDriver)
}

// Driver implements store.Store using a single JSON file.
type Driver struct {
	dataDir string
	mu      sync.RWMutex
	closed  bool

	// In-memory state loaded from JSON, keyed by identifier
	entities map[string]*store.EntityRecord
}

var _ store.Store = (*Driver)(nil)

// NewDriver creates a new JSON driver instance.
func NewDriver(cfg *store.DriverConfig) (store.Store, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir is required for json driver")
	}

	return &Driver{
		dataDir:  cfg.DataDir,
		entities: make(map[string]*store.EntityRecord),
	}, nil
}

// Name returns the driver name.
func (d *Driver) Name() string {
	return "json"
}

// Init loads data from the JSON file.
func (d *Driver) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(d.dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(d.dataDir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to load entities: %w", err)
	}
	if err := json.Unmarshal(data, &d.entities); err != nil {
		return fmt.Errorf("failed to load entities: %w", err)
	}
	if d.entities == nil {
		d.entities = make(map[string]*store.EntityRecord)
	}
	return nil
}

// Close releases resources.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// save rewrites the ledger file. Callers hold mu.
func (d *Driver) save() error {
	data, err := json.MarshalIndent(d.entities, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal entities: %w", err)
	}
	return fsutil.WriteFileAtomic(filepath.Join(d.dataDir, FileName), data, 0600)
}

// Get retrieves an entity by identifier.
func (d *Driver) Get(ctx context.Context, identifier string) (*account.Entity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, store.ErrClosed
	}
	rec, ok := d.entities[identifier]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec.Entity(), nil
}

// Upsert writes the entity and persists the file. The in-memory state is
// rolled back if the write fails.
func (d *Driver) Upsert(ctx context.Context, e *account.Entity) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return store.ErrClosed
	}
	prev, existed := d.entities[e.Identifier]
	d.entities[e.Identifier] = store.ToRecord(e)
	if err := d.save(); err != nil {
		if existed {
			d.entities[e.Identifier] = prev
		} else {
			delete(d.entities, e.Identifier)
		}
		return err
	}
	return nil
}

// ListStaleSince returns entities last seen before epoch whose state is not excluding.
func (d *Driver) ListStaleSince(ctx context.Context, epoch account.Epoch, excluding account.ActiveState) ([]*account.Entity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, store.ErrClosed
	}
	var out []*account.Entity
	for _, rec := range d.entities {
		if rec.LastSeenEpoch < int64(epoch) && rec.Active != int(excluding) {
			out = append(out, rec.Entity())
		}
	}
	store.SortEntities(out)
	return out, nil
}

// List returns all entities.
func (d *Driver) List(ctx context.Context) ([]*account.Entity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, store.ErrClosed
	}
	out := make([]*account.Entity, 0, len(d.entities))
	for _, rec := range d.entities {
		out = append(out, rec.Entity())
	}
	store.SortEntities(out)
	return out, nil
}
