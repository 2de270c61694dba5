// Package dbexec runs validated statements against the business database.
// Statements arrive here only after skeleton validation in the dialog layer;
// the executors still enforce read-only access and row caps at their own
// level so a bug upstream cannot mutate data or flood memory.
package dbexec

import (
	"context"
	"errors"
	"strings"
)

// Result is one query's output. Row values are rendered as strings; NULL
// becomes the literal "NULL". Rows never leave the local process.
type Result struct {
	Columns   []string
	Rows      [][]string
	Truncated bool
}

// Executor runs one statement and returns its rows.
type Executor interface {
	Execute(ctx context.Context, sqlText string) (*Result, error)
	Close() error
}

// IsTransient reports whether an execution error is worth retrying with
// backoff. Lock contention and timeouts qualify; syntax and constraint
// errors do not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"database is locked",
		"database table is locked",
		"database is busy",
		"busy_timeout",
		"timeout",
		"connection reset",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
