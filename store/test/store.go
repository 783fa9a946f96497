// Package test provides store fixtures backed by a throwaway SQLite
// database.
package test

import (
	"context"
	"testing"

	"github.com/hdmeal/hdmeal/internal/profile"
	"github.com/hdmeal/hdmeal/store"
	"github.com/hdmeal/hdmeal/store/db"
)

// NewTestingStore creates a store over a fresh SQLite database in the
// test's temporary directory and applies the schema.
func NewTestingStore(ctx context.Context, t *testing.T) *store.Store {
	t.Helper()

	p := &profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		Data:   t.TempDir(),
	}
	p.FromEnv()
	if err := p.Validate(); err != nil {
		t.Fatalf("failed to validate testing profile: %v", err)
	}

	driver, err := db.NewDBDriver(p)
	if err != nil {
		t.Fatalf("failed to create testing db driver: %v", err)
	}

	ts := store.New(driver, p)
	if err := ts.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate testing store: %v", err)
	}
	t.Cleanup(func() {
		if err := ts.Close(); err != nil {
			t.Logf("failed to close testing store: %v", err)
		}
	})
	return ts
}
