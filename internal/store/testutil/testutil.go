// Package testutil provides shared test helpers for store driver tests.
package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/MahdiBaghbani/ldapmailsync/internal/account"
	"github.com/MahdiBaghbani/ldapmailsync/internal/store"
)

// TestEntity creates a populated test entity.
func TestEntity(identifier string, epoch account.Epoch) *account.Entity {
	e := account.NewEntity(identifier, "Test User", account.Enabled, epoch)
	e.SetPermission(account.ReadOnly, account.NewPrincipals("reader@example.com"))
	e.SetPermission(account.ReadWrite, account.NewPrincipals("writer@example.com", "editor@example.com"))
	e.SendOnBehalfCommitted = account.NewPrincipals("boss@example.com")
	return e
}

// RunDriverTests runs the standard test suite against a driver.
func RunDriverTests(t *testing.T, driverName string, cfg *store.DriverConfig) {
	ctx := context.Background()

	driver, err := store.New(cfg)
	if err != nil {
		t.Fatalf("failed to create %s driver: %v", driverName, err)
	}
	defer driver.Close()

	if err := driver.Init(ctx); err != nil {
		t.Fatalf("failed to init %s driver: %v", driverName, err)
	}

	if driver.Name() != driverName {
		t.Errorf("expected driver name %q, got %q", driverName, driver.Name())
	}

	t.Run("GetMissing", func(t *testing.T) {
		TestGetMissing(t, ctx, driver)
	})

	t.Run("UpsertAndGet", func(t *testing.T) {
		TestUpsertAndGet(t, ctx, driver)
	})

	t.Run("ListStaleSince", func(t *testing.T) {
		TestListStaleSince(t, ctx, driver)
	})

	t.Run("List", func(t *testing.T) {
		TestList(t, ctx, driver)
	})
}

// TestGetMissing checks the not-found contract.
func TestGetMissing(t *testing.T, ctx context.Context, s store.EntityStore) {
	_, err := s.Get(ctx, "nobody@example.com")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestUpsertAndGet tests insert, overwrite and read-back.
func TestUpsertAndGet(t *testing.T, ctx context.Context, s store.EntityStore) {
	e := TestEntity("upsert@example.com", 100)
	if err := s.Upsert(ctx, e); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := s.Get(ctx, e.Identifier)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Equal(e) {
		t.Errorf("Get returned %+v, want %+v", got, e)
	}

	e.ActiveState = account.EnabledNoLogin
	e.InactivityStrikes = 3
	e.SetPermission(account.ReadWrite, account.NewPrincipals())
	e.SendOnBehalfPending = account.NewPrincipals("grantor@example.com")
	if err := s.Upsert(ctx, e); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}

	got, err = s.Get(ctx, e.Identifier)
	if err != nil {
		t.Fatalf("Get after update failed: %v", err)
	}
	if !got.Equal(e) {
		t.Errorf("update not persisted: got %+v, want %+v", got, e)
	}
}

// TestListStaleSince tests the staleness query.
func TestListStaleSince(t *testing.T, ctx context.Context, s store.EntityStore) {
	fresh := TestEntity("fresh@example.com", 500)
	old := TestEntity("old@example.com", 400)
	gone := TestEntity("gone@example.com", 300)
	gone.ActiveState = account.Disabled
	gone.InactivityStrikes = account.StrikesDeactivated

	for _, e := range []*account.Entity{fresh, old, gone} {
		if err := s.Upsert(ctx, e); err != nil {
			t.Fatalf("Upsert %s failed: %v", e.Identifier, err)
		}
	}

	stale, err := s.ListStaleSince(ctx, 500, account.Disabled)
	if err != nil {
		t.Fatalf("ListStaleSince failed: %v", err)
	}
	ids := make(map[string]bool)
	for _, e := range stale {
		ids[e.Identifier] = true
	}
	if !ids["old@example.com"] {
		t.Error("expected old@example.com to be stale")
	}
	if ids["fresh@example.com"] {
		t.Error("entity seen at the epoch must not be stale")
	}
	if ids["gone@example.com"] {
		t.Error("disabled entity must be excluded")
	}
}

// TestList tests full listing order.
func TestList(t *testing.T, ctx context.Context, s store.EntityStore) {
	for _, id := range []string{"zed@example.com", "amy@example.com"} {
		if err := s.Upsert(ctx, TestEntity(id, 1)); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}
	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) < 2 {
		t.Fatalf("expected at least 2 entities, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].Identifier > all[i].Identifier {
			t.Errorf("List not ordered: %q before %q", all[i-1].Identifier, all[i].Identifier)
		}
	}
}
