package dbexec

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/tablesage/tablesage/internal/logging"
	. "github.com/tablesage/tablesage/internal/metrics"
)

// ExecutorConfig controls one executor instance.
type ExecutorConfig struct {
	DSN          string
	MaxRows      int
	QueryTimeout time.Duration
}

// SQLiteExecutor runs read-only queries against a SQLite database. The
// connection is opened with query_only set, so the engine itself rejects
// writes regardless of what reaches Execute.
type SQLiteExecutor struct {
	db  *sql.DB
	cfg ExecutorConfig
}

// NewSQLiteExecutor opens the database in read-only mode.
func NewSQLiteExecutor(cfg ExecutorConfig) (*SQLiteExecutor, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 1000
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 30 * time.Second
	}

	db, err := sql.Open("sqlite3", readOnlyDSN(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	L_info("dbexec: database opened", "dsn", cfg.DSN, "maxRows", cfg.MaxRows)
	return &SQLiteExecutor{db: db, cfg: cfg}, nil
}

func readOnlyDSN(dsn string) string {
	params := "_busy_timeout=5000&_query_only=true"
	if strings.Contains(dsn, "_query_only") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return dsn + "?" + params
}

// Execute runs one statement under the configured timeout, capping the
// result at MaxRows.
func (e *SQLiteExecutor) Execute(ctx context.Context, sqlText string) (*Result, error) {
	defer MetricStartAuto("dbexec")()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()

	rows, err := e.db.QueryContext(ctx, sqlText)
	if err != nil {
		MetricFailWithReason("dbexec", "execute", "query_error")
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	result := &Result{Columns: cols}
	vals := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	for rows.Next() {
		if len(result.Rows) >= e.cfg.MaxRows {
			result.Truncated = true
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make([]string, len(cols))
		for i, v := range vals {
			row[i] = renderValue(v)
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		MetricFailWithReason("dbexec", "execute", "row_error")
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}

	MetricSuccess("dbexec", "execute")
	MetricAdd("dbexec", "rows_returned", int64(len(result.Rows)))
	L_debug("dbexec: query executed", "rows", len(result.Rows), "truncated", result.Truncated)
	return result, nil
}

func renderValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// DB exposes the read-only connection pool so the schema catalog can
// introspect the same database the executor queries.
func (e *SQLiteExecutor) DB() *sql.DB {
	return e.db
}

// Close releases the database handle.
func (e *SQLiteExecutor) Close() error {
	L_debug("dbexec: closing database")
	return e.db.Close()
}

var _ Executor = (*SQLiteExecutor)(nil)
