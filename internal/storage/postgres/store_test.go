package postgres

import (
	"context"
	"os"
	"testing"

	"example.com/groups/internal/storage"
	"example.com/groups/internal/storage/storetest"
)

var _ storage.GroupStore = (*DB)(nil)

// Runs only when TEST_POSTGRES_DSN points at a disposable database.
func TestConformance(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	storetest.Run(t, func(t *testing.T) storage.GroupStore {
		db, err := Connect(ctx, dsn)
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })
		if err := db.RunMigrations(ctx); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		if _, err := db.Pool.Exec(ctx, "TRUNCATE groups"); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return db
	})
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	if err != nil || len(entries) == 0 {
		t.Fatalf("no embedded migrations: %v", err)
	}
}
