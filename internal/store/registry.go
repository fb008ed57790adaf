package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownDriver is returned by New for a driver nobody registered.
var ErrUnknownDriver = errors.New("unknown store driver")

// DriverConfig selects and configures a tracking store driver.
type DriverConfig struct {
	// Driver is json, sqlite or postgres.
	Driver string `json:"driver"`

	// DataDir holds the json ledger or the sqlite database.
	DataDir string `json:"data_dir"`

	// DSN is the postgres connection string.
	DSN string `json:"dsn"`
}

// DriverFactory builds an uninitialized Store.
type DriverFactory func(cfg *DriverConfig) (Store, error)

var registry = struct {
	sync.RWMutex
	factories map[string]DriverFactory
}{factories: make(map[string]DriverFactory)}

// Register makes a driver available to New. Drivers call it from init; a
// second registration under the same name panics.
func Register(name string, factory DriverFactory) {
	registry.Lock()
	defer registry.Unlock()
	if _, dup := registry.factories[name]; dup {
		panic("store: driver registered twice: " + name)
	}
	registry.factories[name] = factory
}

// New builds the configured driver. The caller runs Init.
func New(cfg *DriverConfig) (Store, error) {
	registry.RLock()
	factory, ok := registry.factories[cfg.Driver]
	registry.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %s)", ErrUnknownDriver, cfg.Driver, strings.Join(AvailableDrivers(), ", "))
	}
	return factory(cfg)
}

// AvailableDrivers returns the registered driver names, sorted.
func AvailableDrivers() []string {
	registry.RLock()
	defer registry.RUnlock()
	names := make([]string, 0, len(registry.factories))
	for name := range registry.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
