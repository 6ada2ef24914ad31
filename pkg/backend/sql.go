package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// Options configure a SQLConn. Dialect specific behaviour is injected as
// functions so this package stays driver agnostic.
type Options struct {
	DriverName string
	DSN        string
	// ErrorCode extracts the backend error code reported by ErrorCode().
	ErrorCode func(error) (string, bool)
	// Quote overrides QuoteString.
	Quote func(string) string
	// LastInsertIDQuery returns the query (and its args) used to read the
	// last generated id when the driver result cannot provide it.
	LastInsertIDQuery func(name string) (string, []any)
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// SQLConn is a Conn over exactly one physical database/sql connection.
type SQLConn struct {
	opts      Options
	db        *sql.DB
	conn      *sql.Conn
	tx        *sql.Tx
	lastID    int64
	hasLastID bool
	lastErr   error
}

// Open establishes a single physical connection and verifies it.
func Open(ctx context.Context, opts Options) (*SQLConn, error) {
	db, err := sql.Open(opts.DriverName, opts.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		db.Close()
		return nil, err
	}
	return &SQLConn{opts: opts, db: db, conn: conn}, nil
}

func (c *SQLConn) target() (execQuerier, error) {
	if c.conn == nil {
		return nil, ErrClosed
	}
	if c.tx != nil {
		return c.tx, nil
	}
	return c.conn, nil
}

func (c *SQLConn) record(err error) error {
	c.lastErr = err
	return err
}

func (c *SQLConn) Prepare(ctx context.Context, query string) (Stmt, error) {
	q, err := c.target()
	if err != nil {
		return nil, c.record(err)
	}
	st, err := q.PrepareContext(ctx, query)
	if err != nil {
		return nil, c.record(err)
	}
	c.record(nil)
	return &sqlStmt{conn: c, query: query, stmt: st}, nil
}

func (c *SQLConn) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	q, err := c.target()
	if err != nil {
		return nil, c.record(err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, c.record(err)
	}
	rs, err := readRows(rows)
	if err != nil {
		return nil, c.record(err)
	}
	c.record(nil)
	return rs, nil
}

func (c *SQLConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	q, err := c.target()
	if err != nil {
		return 0, c.record(err)
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, c.record(err)
	}
	c.rememberID(res)
	n, err := res.RowsAffected()
	if err != nil {
		return 0, c.record(err)
	}
	c.record(nil)
	return n, nil
}

func (c *SQLConn) rememberID(res sql.Result) {
	if id, err := res.LastInsertId(); err == nil {
		c.lastID = id
		c.hasLastID = true
	}
}

func (c *SQLConn) Begin(ctx context.Context) error {
	if c.conn == nil {
		return c.record(ErrClosed)
	}
	if c.tx != nil {
		return c.record(ErrTransactionActive)
	}
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return c.record(err)
	}
	c.tx = tx
	return c.record(nil)
}

func (c *SQLConn) Commit(_ context.Context) error {
	if c.tx == nil {
		return c.record(ErrNoTransaction)
	}
	err := c.tx.Commit()
	c.tx = nil
	return c.record(err)
}

func (c *SQLConn) Rollback(_ context.Context) error {
	if c.tx == nil {
		return c.record(ErrNoTransaction)
	}
	err := c.tx.Rollback()
	c.tx = nil
	return c.record(err)
}

func (c *SQLConn) LastInsertID(ctx context.Context, name string) (string, error) {
	if name == "" && c.hasLastID {
		return strconv.FormatInt(c.lastID, 10), nil
	}
	if c.opts.LastInsertIDQuery == nil {
		return "", c.record(ErrNoLastInsertID)
	}
	query, args := c.opts.LastInsertIDQuery(name)
	rows, err := c.Query(ctx, query, args...)
	if err != nil {
		return "", err
	}
	v, err := rows.FetchColumn(0)
	if err != nil {
		return "", c.record(fmt.Errorf("read last insert id: %w", err))
	}
	return fmt.Sprint(v), nil
}

func (c *SQLConn) Quote(value string) string {
	if c.opts.Quote != nil {
		return c.opts.Quote(value)
	}
	return QuoteString(value)
}

func (c *SQLConn) ErrorCode() string {
	if c.lastErr == nil || c.opts.ErrorCode == nil {
		return ""
	}
	code, _ := c.opts.ErrorCode(c.lastErr)
	return code
}

func (c *SQLConn) ErrorInfo() ErrorInfo {
	if c.lastErr == nil {
		return ErrorInfo{}
	}
	return ErrorInfo{Code: c.ErrorCode(), Message: c.lastErr.Error()}
}

// Close releases the physical connection. A SQLConn cannot be reopened.
func (c *SQLConn) Close() error {
	if c.conn == nil {
		return nil
	}
	var errs []error
	if c.tx != nil {
		if err := c.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			errs = append(errs, err)
		}
		c.tx = nil
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		errs = append(errs, err)
	}
	if err := c.db.Close(); err != nil {
		errs = append(errs, err)
	}
	c.conn = nil
	c.db = nil
	return errors.Join(errs...)
}
