package testutil

import (
	"database/sql"
	"os"
	"testing"

	"github.com/onnwee/kickbot/store"
)

// SetupTestDB opens TEST_PG_DSN, applies the credential schema and empties the table.
// It skips the test if TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := store.Connect(dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := store.Migrate(database); err != nil {
		_ = database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	if _, err := database.Exec(`TRUNCATE credentials`); err != nil {
		_ = database.Close()
		t.Fatalf("failed to reset credentials: %v", err)
	}
	t.Cleanup(func() {
		_ = database.Close()
	})
	return database
}
