package retry

import (
	"context"

	"github.com/kong/dblinker/pkg/backend"
)

type binding struct {
	param any
	value any
}

// Stmt is a prepared statement whose Execute is retried. It prepares the
// query again when the connection was reopened in between.
type Stmt struct {
	conn       *Conn
	query      string
	stmt       backend.Stmt
	generation int
	bindings   []binding
}

func (s *Stmt) prepare(ctx context.Context) error {
	conn, err := s.conn.Wrapped(ctx)
	if err != nil {
		return err
	}
	stmt, err := conn.Prepare(ctx, s.query)
	if err != nil {
		return err
	}
	if s.stmt != nil {
		// the old server may already be gone
		_ = s.stmt.Close()
	}
	for _, b := range s.bindings {
		if err := stmt.BindValue(b.param, b.value); err != nil {
			stmt.Close()
			return err
		}
	}
	s.stmt = stmt
	s.generation = s.conn.generation
	return nil
}

func (s *Stmt) Execute(ctx context.Context, args ...any) error {
	return s.conn.retrier.Do(ctx, func(ctx context.Context) error {
		if s.stmt == nil || s.generation != s.conn.generation {
			if err := s.prepare(ctx); err != nil {
				return err
			}
		}
		return s.stmt.Execute(ctx, args...)
	})
}

func (s *Stmt) BindValue(param any, value any) error {
	if err := s.stmt.BindValue(param, value); err != nil {
		return err
	}
	s.bindings = append(s.bindings, binding{param, value})
	return nil
}

func (s *Stmt) Fetch() (backend.Row, error)      { return s.stmt.Fetch() }
func (s *Stmt) FetchAll() ([]backend.Row, error) { return s.stmt.FetchAll() }
func (s *Stmt) FetchColumn(i int) (any, error)   { return s.stmt.FetchColumn(i) }
func (s *Stmt) RowCount() int64                  { return s.stmt.RowCount() }
func (s *Stmt) ColumnCount() int                 { return s.stmt.ColumnCount() }
func (s *Stmt) CloseCursor() error               { return s.stmt.CloseCursor() }
func (s *Stmt) Close() error                     { return s.stmt.Close() }
