package json_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/MahdiBaghbani/ldapmailsync/internal/store"
	storejson "github.com/MahdiBaghbani/ldapmailsync/internal/store/json"
	"github.com/MahdiBaghbani/ldapmailsync/internal/store/testutil"
)

func TestJSONDriver(t *testing.T) {
	tempDir := t.TempDir()

	cfg := &store.DriverConfig{
		Driver:  "json",
		DataDir: tempDir,
	}

	testutil.RunDriverTests(t, "json", cfg)

	if _, err := os.Stat(filepath.Join(tempDir, storejson.FileName)); os.IsNotExist(err) {
		t.Errorf("%s not created", storejson.FileName)
	}
	if _, err := os.Stat(filepath.Join(tempDir, storejson.FileName+".tmp")); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestJSONDriverAtomicWrite(t *testing.T) {
	tempDir := t.TempDir()

	ctx := context.Background()
	cfg := &store.DriverConfig{
		Driver:  "json",
		DataDir: tempDir,
	}

	driver, err := store.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := driver.Init(ctx); err != nil {
		t.Fatal(err)
	}

	e := testutil.TestEntity("atomic@example.com", 9)
	if err := driver.Upsert(ctx, e); err != nil {
		t.Fatal(err)
	}
	driver.Close()

	driver2, err := store.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := driver2.Init(ctx); err != nil {
		t.Fatal(err)
	}
	defer driver2.Close()

	got, err := driver2.Get(ctx, e.Identifier)
	if err != nil {
		t.Fatalf("entity not found after restart: %v", err)
	}
	if !got.Equal(e) {
		t.Errorf("data corruption: got %+v, want %+v", got, e)
	}
}

func TestJSONDriverClosed(t *testing.T) {
	ctx := context.Background()
	driver, err := store.New(&store.DriverConfig{Driver: "json", DataDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if err := driver.Init(ctx); err != nil {
		t.Fatal(err)
	}
	driver.Close()

	if err := driver.Upsert(ctx, testutil.TestEntity("x@example.com", 1)); err != store.ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
