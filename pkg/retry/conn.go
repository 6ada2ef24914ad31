package retry

import (
	"context"

	"github.com/kong/dblinker/pkg/backend"
)

// Dialer opens the connection a Conn wraps.
type Dialer func(ctx context.Context) (backend.Conn, error)

// Conn is a backend.Conn whose operations are retried by a Strategy.
type Conn struct {
	dial     Dialer
	conn     backend.Conn
	strategy Strategy
	retrier  *Retrier
	txDepth  int
	// generation changes on every Close or failover so statements know to
	// prepare again.
	generation int
}

// NewConn wraps connections produced by dial. Nothing is opened until the
// first call.
func NewConn(dial Dialer, strategy Strategy) *Conn {
	c := &Conn{dial: dial, strategy: strategy}
	c.retrier = NewRetrier(strategy, c)
	return c
}

// Wrap retries calls on conn. Reconnecting closes conn and reuses it, so
// conn must reopen lazily after Close, as a router does.
func Wrap(conn backend.Conn, strategy Strategy) *Conn {
	c := NewConn(func(context.Context) (backend.Conn, error) { return conn, nil }, strategy)
	c.conn = conn
	return c
}

func (c *Conn) Strategy() Strategy { return c.strategy }

func (c *Conn) TransactionDepth() int { return c.txDepth }

func (c *Conn) Current() backend.Conn { return c.conn }

// Wrapped returns the wrapped connection, dialing it if needed.
func (c *Conn) Wrapped(ctx context.Context) (backend.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

// Close closes the wrapped connection and forgets it.
func (c *Conn) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.generation++
	return err
}

// serverChanged marks statements prepared so far as belonging to a server
// the connection no longer talks to.
func (c *Conn) serverChanged() {
	c.generation++
}

func (c *Conn) Prepare(ctx context.Context, query string) (backend.Stmt, error) {
	s := &Stmt{conn: c, query: query}
	if err := c.retrier.Do(ctx, s.prepare); err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Conn) Query(ctx context.Context, query string, args ...any) (backend.Rows, error) {
	return call(ctx, c.retrier, func(ctx context.Context) (backend.Rows, error) {
		conn, err := c.Wrapped(ctx)
		if err != nil {
			return nil, err
		}
		return conn.Query(ctx, query, args...)
	})
}

func (c *Conn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	return call(ctx, c.retrier, func(ctx context.Context) (int64, error) {
		conn, err := c.Wrapped(ctx)
		if err != nil {
			return 0, err
		}
		return conn.Exec(ctx, query, args...)
	})
}

// Begin counts the transaction before the call so a failing begin is not
// retried.
func (c *Conn) Begin(ctx context.Context) error {
	c.txDepth++
	return c.retrier.Do(ctx, func(ctx context.Context) error {
		conn, err := c.Wrapped(ctx)
		if err != nil {
			return err
		}
		return conn.Begin(ctx)
	})
}

func (c *Conn) Commit(ctx context.Context) error {
	c.leaveTx()
	return c.retrier.Do(ctx, func(ctx context.Context) error {
		conn, err := c.Wrapped(ctx)
		if err != nil {
			return err
		}
		return conn.Commit(ctx)
	})
}

func (c *Conn) Rollback(ctx context.Context) error {
	c.leaveTx()
	return c.retrier.Do(ctx, func(ctx context.Context) error {
		conn, err := c.Wrapped(ctx)
		if err != nil {
			return err
		}
		return conn.Rollback(ctx)
	})
}

func (c *Conn) leaveTx() {
	if c.txDepth > 0 {
		c.txDepth--
	}
}

func (c *Conn) LastInsertID(ctx context.Context, name string) (string, error) {
	return call(ctx, c.retrier, func(ctx context.Context) (string, error) {
		conn, err := c.Wrapped(ctx)
		if err != nil {
			return "", err
		}
		return conn.LastInsertID(ctx, name)
	})
}

func (c *Conn) Quote(value string) string {
	conn, err := c.Wrapped(context.Background())
	if err != nil {
		return backend.QuoteString(value)
	}
	return conn.Quote(value)
}

func (c *Conn) ErrorCode() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.ErrorCode()
}

func (c *Conn) ErrorInfo() backend.ErrorInfo {
	if c.conn == nil {
		return backend.ErrorInfo{}
	}
	return c.conn.ErrorInfo()
}
