package backend

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

var (
	ErrClosed            = errors.New("backend: connection is closed")
	ErrNoTransaction     = errors.New("backend: no active transaction")
	ErrTransactionActive = errors.New("backend: a transaction is already active")
	ErrNoLastInsertID    = errors.New("backend: last insert id is not available")
)

// Row is a single fetched row keyed by column name.
type Row map[string]any

// ErrorInfo describes the error raised by the last operation on a connection.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Rows is a fully read result set.
type Rows interface {
	// Fetch returns the next row, or io.EOF once the result is drained.
	Fetch() (Row, error)
	FetchAll() ([]Row, error)
	FetchColumn(i int) (any, error)
	RowCount() int64
	ColumnCount() int
	Close() error
}

// Stmt is a prepared statement handle. Its Rows methods read the result of
// the last Execute.
type Stmt interface {
	Rows
	Execute(ctx context.Context, args ...any) error
	// BindValue binds a positional (1-based int) or named (string) parameter
	// used by Execute calls made without explicit arguments.
	BindValue(param any, value any) error
	CloseCursor() error
}

// Conn is the capability every connection in the stack exposes, from a single
// physical connection up to a router over many servers.
type Conn interface {
	Prepare(ctx context.Context, query string) (Stmt, error)
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	LastInsertID(ctx context.Context, name string) (string, error)
	Quote(value string) string
	ErrorCode() string
	ErrorInfo() ErrorInfo
	Close() error
}

var (
	writeVerb = regexp.MustCompile(`(?i)\b(DELETE|UPDATE|INSERT|REPLACE)\b`)
	returning = regexp.MustCompile(`(?i)\bRETURNING\b`)
)

// IsWrite reports whether a statement looks like it modifies data.
func IsWrite(query string) bool {
	return writeVerb.MatchString(query)
}

func returnsRows(query string) bool {
	return !IsWrite(query) || returning.MatchString(query)
}

// QuoteString quotes a literal with standard SQL single-quote doubling.
func QuoteString(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
