package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/msallal/groupbuy/internal/database"
)

// SetupTestDB connects to the database named by TEST_DATABASE_URL, applies
// the schema and wipes all tables so each test starts clean. Tests that
// need Postgres are skipped when the variable is unset.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping database test")
	}

	db, err := database.NewPostgresConnection(dsn)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	if err := database.Migrate(ctx, db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	_, err = db.ExecContext(ctx, `
		TRUNCATE votes, voting_sessions, memberships, group_admins, groups,
			point_transactions, points_accounts
		RESTART IDENTITY CASCADE
	`)
	if err != nil {
		t.Fatalf("failed to reset test database: %v", err)
	}

	return db
}
