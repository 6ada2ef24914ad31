package backend

import (
	"database/sql"
	"fmt"
	"io"
)

type resultSet struct {
	columns  []string
	rows     []Row
	pos      int
	affected int64
	isWrite  bool
}

// NewRows builds an in-memory result set.
func NewRows(columns []string, rows []Row) Rows {
	return &resultSet{columns: columns, rows: rows}
}

func newWriteResult(affected int64) *resultSet {
	return &resultSet{affected: affected, isWrite: true}
}

func readRows(rows *sql.Rows) (*resultSet, error) {
	defer rows.Close()
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	rs := &resultSet{columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		dest := make([]any, len(columns))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		rs.rows = append(rs.rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rs, nil
}

func (r *resultSet) Fetch() (Row, error) {
	if r.pos >= len(r.rows) {
		return nil, io.EOF
	}
	row := r.rows[r.pos]
	r.pos++
	return row, nil
}

func (r *resultSet) FetchAll() ([]Row, error) {
	if r.pos >= len(r.rows) {
		return []Row{}, nil
	}
	rest := r.rows[r.pos:]
	r.pos = len(r.rows)
	return rest, nil
}

func (r *resultSet) FetchColumn(i int) (any, error) {
	if i < 0 || i >= len(r.columns) {
		return nil, fmt.Errorf("backend: column index %d out of range [0,%d)", i, len(r.columns))
	}
	row, err := r.Fetch()
	if err != nil {
		return nil, err
	}
	return row[r.columns[i]], nil
}

func (r *resultSet) RowCount() int64 {
	if r.isWrite {
		return r.affected
	}
	return int64(len(r.rows))
}

func (r *resultSet) ColumnCount() int {
	return len(r.columns)
}

func (r *resultSet) Close() error {
	r.rows = nil
	r.pos = 0
	return nil
}
