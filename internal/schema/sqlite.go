package schema

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLiteCatalog introspects a live SQLite database. Column metadata comes
// from PRAGMA table_info, so it is always current without any sync step.
type SQLiteCatalog struct {
	db *sql.DB
}

// NewSQLiteCatalog wraps an open database handle. The caller owns the
// handle's lifecycle.
func NewSQLiteCatalog(db *sql.DB) *SQLiteCatalog {
	return &SQLiteCatalog{db: db}
}

func (c *SQLiteCatalog) ListTables(ctx context.Context) ([]TableMeta, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []TableMeta
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, TableMeta{Name: name})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tables, nil
}

func (c *SQLiteCatalog) DescribeTable(ctx context.Context, name string) ([]ColumnMeta, error) {
	canonical, err := c.canonicalName(ctx, name)
	if err != nil {
		return nil, err
	}

	// PRAGMA cannot take bind parameters. The name is interpolated only
	// after sqlite_master confirmed it, quoted as an identifier.
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", canonical))
	if err != nil {
		return nil, fmt.Errorf("failed to describe table %s: %w", canonical, err)
	}
	defer rows.Close()

	var cols []ColumnMeta
	for rows.Next() {
		var (
			cid     int
			colName string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		cols = append(cols, ColumnMeta{
			Name:       colName,
			Type:       colType,
			PrimaryKey: pk > 0,
			Nullable:   notNull == 0,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return cols, nil
}

// canonicalName resolves a case-insensitive table reference to the spelling
// stored in sqlite_master.
func (c *SQLiteCatalog) canonicalName(ctx context.Context, name string) (string, error) {
	var canonical string
	err := c.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND lower(name) = lower(?)`, name).
		Scan(&canonical)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve table %s: %w", name, err)
	}
	return canonical, nil
}

var _ Catalog = (*SQLiteCatalog)(nil)
