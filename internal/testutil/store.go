package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/HerbHall/fleethub/internal/store"
	"github.com/HerbHall/fleethub/pkg/plugin"
)

// NewStore opens a SQLite database in the test's temp directory and applies
// migrations for module, if any. It is closed when the test completes.
func NewStore(t *testing.T, module string, migrations ...plugin.Migration) *store.SQLiteStore {
	t.Helper()
	db, err := store.New(filepath.Join(t.TempDir(), "fleethub.db"))
	if err != nil {
		t.Fatalf("testutil.NewStore: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if len(migrations) > 0 {
		if err := db.Migrate(context.Background(), module, migrations); err != nil {
			t.Fatalf("testutil.NewStore: migrate %s: %v", module, err)
		}
	}
	return db
}
