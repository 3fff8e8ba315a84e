package internal

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/nexuschat/coreserver/roomserver/storage"
)

func newTestDB(t *testing.T) *storage.Database {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	db, err := storage.NewDatabase(sqlDB, "sqlite")
	if err != nil {
		t.Fatalf("NewDatabase: %v", err)
	}
	return db
}
