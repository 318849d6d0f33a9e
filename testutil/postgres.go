// Package testutil holds shared helpers for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/relink/db"
)

// SetupTestDB opens a connection to the database named by TEST_PG_DSN and
// applies the embedded schema. Tests that need Postgres are skipped when the
// variable is unset.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := db.Migrate(context.Background(), database); err != nil {
		database.Close()
		t.Fatalf("run migrations: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}
