package testutil

import (
	"testing"

	"vigil-go/internal/database"
	"vigil-go/internal/vigil"
)

// NewTestDatabase creates an in-memory SQLite database with the schema
// migrated. It is closed when the test completes.
func NewTestDatabase(t *testing.T) vigil.Database {
	t.Helper()

	db, err := database.NewSQLiteDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}
