package schema

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func setupTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	f, err := os.CreateTemp("", "schema_test_*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	dbPath := f.Name()
	f.Close()

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		os.Remove(dbPath)
		t.Fatalf("failed to open database: %v", err)
	}

	ddl := `
	CREATE TABLE orders (
		id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL,
		amount REAL
	);
	CREATE TABLE users (
		id INTEGER PRIMARY KEY,
		email TEXT NOT NULL
	);`
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		os.Remove(dbPath)
		t.Fatalf("failed to create tables: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.Remove(dbPath)
	}
	return db, cleanup
}

func TestSQLiteCatalogListTables(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	cat := NewSQLiteCatalog(db)
	tables, err := cat.ListTables(context.Background())
	if err != nil {
		t.Fatalf("ListTables failed: %v", err)
	}
	if len(tables) != 2 {
		t.Fatalf("got %d tables, want 2", len(tables))
	}
	if tables[0].Name != "orders" || tables[1].Name != "users" {
		t.Errorf("tables = %v, want orders then users", tables)
	}
}

func TestSQLiteCatalogDescribeTable(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	cat := NewSQLiteCatalog(db)
	cols, err := cat.DescribeTable(context.Background(), "Orders")
	if err != nil {
		t.Fatalf("DescribeTable failed: %v", err)
	}
	if len(cols) != 3 {
		t.Fatalf("got %d columns, want 3", len(cols))
	}
	if cols[0].Name != "id" || !cols[0].PrimaryKey {
		t.Errorf("id column = %+v", cols[0])
	}
	if cols[1].Name != "user_id" || cols[1].Nullable {
		t.Errorf("user_id column = %+v, want NOT NULL", cols[1])
	}
	if cols[2].Name != "amount" || !cols[2].Nullable {
		t.Errorf("amount column = %+v, want nullable", cols[2])
	}

	_, err = cat.DescribeTable(context.Background(), "payments")
	if !errors.Is(err, ErrTableNotFound) {
		t.Errorf("unknown table error = %v, want ErrTableNotFound", err)
	}
}
