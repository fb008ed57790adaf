package postgres_test

import (
	"os"
	"testing"

	"github.com/MahdiBaghbani/ldapmailsync/internal/store"
	"github.com/MahdiBaghbani/ldapmailsync/internal/store/postgres"
	"github.com/MahdiBaghbani/ldapmailsync/internal/store/testutil"
)

// Set LDAPMAILSYNC_TEST_POSTGRES_DSN to run against a disposable database.
func TestPostgresDriver(t *testing.T) {
	dsn := os.Getenv("LDAPMAILSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LDAPMAILSYNC_TEST_POSTGRES_DSN not set")
	}

	testutil.RunDriverTests(t, "postgres", &store.DriverConfig{
		Driver: "postgres",
		DSN:    dsn,
	})
}

func TestPostgresDriverRequiresDSN(t *testing.T) {
	if _, err := postgres.NewDriver(&store.DriverConfig{Driver: "postgres"}); err == nil {
		t.Fatal("expected error without dsn")
	}
}
