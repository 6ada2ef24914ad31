package backend

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"sort"
	"strings"
)

type sqlStmt struct {
	conn   *SQLConn
	query  string
	stmt   *sql.Stmt
	bound  map[int]any
	named  map[string]any
	result *resultSet
}

func (s *sqlStmt) Execute(ctx context.Context, args ...any) error {
	if len(args) == 0 {
		args = s.boundArgs()
	}
	if !returnsRows(s.query) {
		res, err := s.stmt.ExecContext(ctx, args...)
		if err != nil {
			return s.conn.record(err)
		}
		s.conn.rememberID(res)
		n, err := res.RowsAffected()
		if err != nil {
			return s.conn.record(err)
		}
		s.result = newWriteResult(n)
		return s.conn.record(nil)
	}
	rows, err := s.stmt.QueryContext(ctx, args...)
	if err != nil {
		return s.conn.record(err)
	}
	rs, err := readRows(rows)
	if err != nil {
		return s.conn.record(err)
	}
	s.result = rs
	return s.conn.record(nil)
}

func (s *sqlStmt) boundArgs() []any {
	positions := make([]int, 0, len(s.bound))
	for p := range s.bound {
		positions = append(positions, p)
	}
	sort.Ints(positions)
	args := make([]any, 0, len(s.bound)+len(s.named))
	for _, p := range positions {
		args = append(args, s.bound[p])
	}
	for name, v := range s.named {
		args = append(args, sql.Named(name, v))
	}
	return args
}

func (s *sqlStmt) BindValue(param any, value any) error {
	switch p := param.(type) {
	case int:
		if p < 1 {
			return fmt.Errorf("backend: positional parameters start at 1, got %d", p)
		}
		if s.bound == nil {
			s.bound = make(map[int]any)
		}
		s.bound[p] = value
	case string:
		if s.named == nil {
			s.named = make(map[string]any)
		}
		s.named[strings.TrimLeft(p, ":@$")] = value
	default:
		return fmt.Errorf("backend: unsupported parameter key %T", param)
	}
	return nil
}

func (s *sqlStmt) Fetch() (Row, error) {
	if s.result == nil {
		return nil, io.EOF
	}
	return s.result.Fetch()
}

func (s *sqlStmt) FetchAll() ([]Row, error) {
	if s.result == nil {
		return []Row{}, nil
	}
	return s.result.FetchAll()
}

func (s *sqlStmt) FetchColumn(i int) (any, error) {
	if s.result == nil {
		return nil, io.EOF
	}
	return s.result.FetchColumn(i)
}

func (s *sqlStmt) RowCount() int64 {
	if s.result == nil {
		return 0
	}
	return s.result.RowCount()
}

func (s *sqlStmt) ColumnCount() int {
	if s.result == nil {
		return 0
	}
	return s.result.ColumnCount()
}

func (s *sqlStmt) CloseCursor() error {
	s.result = nil
	return nil
}

func (s *sqlStmt) Close() error {
	s.result = nil
	return s.stmt.Close()
}
