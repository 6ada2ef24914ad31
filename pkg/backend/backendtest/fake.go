// Package backendtest provides scriptable in-memory implementations of
// backend.Conn for tests.
package backendtest

import (
	"context"
	"fmt"
	"strings"

	"github.com/kong/dblinker/pkg/backend"
	"github.com/kong/dblinker/pkg/model"
)

// Call records one operation issued against a Conn.
type Call struct {
	Op    string
	Query string
}

// Conn is a fake connection. Errors queued with FailNext are returned, in
// order, by the next operations regardless of their kind.
type Conn struct {
	Name    string
	Calls   []Call
	Closed  bool
	InTx    bool
	Code    func(error) (string, bool)
	results map[string][]backend.Row
	errs    []error
	lastErr error
	lastID  int64
}

// NewConn returns an open fake connection.
func NewConn(name string) *Conn {
	return &Conn{Name: name, results: map[string][]backend.Row{}}
}

// FailNext queues errors for the next operations.
func (c *Conn) FailNext(errs ...error) {
	c.errs = append(c.errs, errs...)
}

// SetResult sets the rows returned for a query.
func (c *Conn) SetResult(query string, rows ...backend.Row) {
	c.results[query] = rows
}

// Count returns how many recorded calls match op.
func (c *Conn) Count(op string) int {
	n := 0
	for _, call := range c.Calls {
		if call.Op == op {
			n++
		}
	}
	return n
}

func (c *Conn) step(op, query string) error {
	c.Calls = append(c.Calls, Call{Op: op, Query: query})
	if c.Closed {
		c.lastErr = backend.ErrClosed
		return c.lastErr
	}
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		c.lastErr = err
		return err
	}
	c.lastErr = nil
	return nil
}

func (c *Conn) rows(query string) backend.Rows {
	rows := c.results[query]
	var columns []string
	if len(rows) > 0 {
		for col := range rows[0] {
			columns = append(columns, col)
		}
	}
	return backend.NewRows(columns, append([]backend.Row(nil), rows...))
}

func (c *Conn) Prepare(_ context.Context, query string) (backend.Stmt, error) {
	if err := c.step("prepare", query); err != nil {
		return nil, err
	}
	return &Stmt{conn: c, query: query}, nil
}

func (c *Conn) Query(_ context.Context, query string, _ ...any) (backend.Rows, error) {
	if err := c.step("query", query); err != nil {
		return nil, err
	}
	return c.rows(query), nil
}

func (c *Conn) Exec(_ context.Context, query string, _ ...any) (int64, error) {
	if err := c.step("exec", query); err != nil {
		return 0, err
	}
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "INSERT") {
		c.lastID++
	}
	return 1, nil
}

func (c *Conn) Begin(context.Context) error {
	if err := c.step("begin", ""); err != nil {
		return err
	}
	if c.InTx {
		c.lastErr = backend.ErrTransactionActive
		return c.lastErr
	}
	c.InTx = true
	return nil
}

func (c *Conn) Commit(context.Context) error {
	return c.end("commit")
}

func (c *Conn) Rollback(context.Context) error {
	return c.end("rollback")
}

func (c *Conn) end(op string) error {
	if err := c.step(op, ""); err != nil {
		return err
	}
	if !c.InTx {
		c.lastErr = backend.ErrNoTransaction
		return c.lastErr
	}
	c.InTx = false
	return nil
}

func (c *Conn) LastInsertID(context.Context, string) (string, error) {
	if err := c.step("lastInsertId", ""); err != nil {
		return "", err
	}
	return fmt.Sprint(c.lastID), nil
}

func (c *Conn) Quote(value string) string {
	return backend.QuoteString(value)
}

func (c *Conn) ErrorCode() string {
	if c.lastErr == nil || c.Code == nil {
		return ""
	}
	code, _ := c.Code(c.lastErr)
	return code
}

func (c *Conn) ErrorInfo() backend.ErrorInfo {
	if c.lastErr == nil {
		return backend.ErrorInfo{}
	}
	return backend.ErrorInfo{Code: c.ErrorCode(), Message: c.lastErr.Error()}
}

func (c *Conn) Close() error {
	c.Calls = append(c.Calls, Call{Op: "close"})
	c.Closed = true
	return nil
}

// Stmt is a fake prepared statement bound to a Conn.
type Stmt struct {
	conn   *Conn
	query  string
	result backend.Rows
}

func (s *Stmt) Execute(_ context.Context, _ ...any) error {
	if err := s.conn.step("execute", s.query); err != nil {
		return err
	}
	s.result = s.conn.rows(s.query)
	return nil
}

func (s *Stmt) BindValue(any, any) error { return nil }

func (s *Stmt) Fetch() (backend.Row, error) { return s.current().Fetch() }

func (s *Stmt) FetchAll() ([]backend.Row, error) { return s.current().FetchAll() }

func (s *Stmt) FetchColumn(i int) (any, error) { return s.current().FetchColumn(i) }

func (s *Stmt) RowCount() int64 { return s.current().RowCount() }

func (s *Stmt) ColumnCount() int { return s.current().ColumnCount() }

func (s *Stmt) CloseCursor() error {
	s.result = nil
	return nil
}

func (s *Stmt) Close() error { return s.CloseCursor() }

func (s *Stmt) current() backend.Rows {
	if s.result == nil {
		return backend.NewRows(nil, nil)
	}
	return s.result
}

// Dialer hands out fake connections keyed by server host. A fresh Conn is
// created on every open so reconnects are observable.
type Dialer struct {
	// Setup, when set, is applied to every new connection.
	Setup    func(host string, c *Conn)
	conns    map[string]*Conn
	opens    map[string]int
	openErrs map[string][]error
}

// NewDialer returns an empty Dialer.
func NewDialer() *Dialer {
	return &Dialer{
		conns:    map[string]*Conn{},
		opens:    map[string]int{},
		openErrs: map[string][]error{},
	}
}

// FailOpen queues errors returned by the next opens of host.
func (d *Dialer) FailOpen(host string, errs ...error) {
	d.openErrs[host] = append(d.openErrs[host], errs...)
}

// Conn returns the latest connection opened to host.
func (d *Dialer) Conn(host string) *Conn {
	return d.conns[host]
}

// Opens returns how many times host was opened successfully.
func (d *Dialer) Opens(host string) int {
	return d.opens[host]
}

// Connect implements router.Connector.
func (d *Dialer) Connect(_ context.Context, cfg model.ServerConfig) (backend.Conn, error) {
	if errs := d.openErrs[cfg.Host]; len(errs) > 0 {
		d.openErrs[cfg.Host] = errs[1:]
		return nil, errs[0]
	}
	c := NewConn(cfg.Host)
	if d.Setup != nil {
		d.Setup(cfg.Host, c)
	}
	d.conns[cfg.Host] = c
	d.opens[cfg.Host]++
	return c, nil
}
