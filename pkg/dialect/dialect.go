package dialect

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/kong/dblinker/pkg/backend"
	"github.com/kong/dblinker/pkg/cache"
	"github.com/kong/dblinker/pkg/model"
)

var ErrUnknownDialect = errors.New("unknown dialect")

type Kind int

const (
	MySQL Kind = iota + 1
	PostgreSQL
)

func (k Kind) String() string {
	switch k {
	case MySQL:
		return "mysql"
	case PostgreSQL:
		return "postgresql"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind accepts the dialect names used in configuration, including the
// driver aliases of the original PDO/mysqli drivers.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mysql", "mysqli", "pdo_mysql":
		return MySQL, nil
	case "postgres", "postgresql", "pgsql", "pdo_pgsql":
		return PostgreSQL, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownDialect, name)
}

// Policy describes how to react to one backend error code.
type Policy struct {
	// Wait before the call is issued again.
	Wait time.Duration
	// ChangeServer moves the router off the current replica. Declined on
	// the primary.
	ChangeServer bool
	// Reconnect closes the physical connection so the next call reopens it.
	Reconnect bool
}

// Dialect bundles everything that differs between database products.
type Dialect interface {
	Kind() Kind
	DriverName() string
	DSN(cfg model.ServerConfig) string
	// Open establishes one physical connection.
	Open(ctx context.Context, cfg model.ServerConfig) (backend.Conn, error)
	ProbeQuery() string
	// Probe reports replication health of the server behind conn.
	Probe(ctx context.Context, conn backend.Conn) (cache.HealthRecord, error)
	// ErrorCode extracts the backend error code from anywhere in err's chain.
	ErrorCode(err error) (string, bool)
	Policy(code string) (Policy, bool)
	// ErrorPolicy returns a copy of the code table.
	ErrorPolicy() map[string]Policy
	// IsAccessDenied reports errors caused by missing privileges.
	IsAccessDenied(err error) bool
	Quote(value string) string
}

func New(kind Kind) (Dialect, error) {
	switch kind {
	case MySQL:
		return mysqlDialect{}, nil
	case PostgreSQL:
		return postgresDialect{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownDialect, kind)
}

// Parse is ParseKind followed by New.
func Parse(name string) (Dialect, error) {
	kind, err := ParseKind(name)
	if err != nil {
		return nil, err
	}
	return New(kind)
}

func lookup(table map[string]Policy, code string) (Policy, bool) {
	p, ok := table[code]
	return p, ok
}

func clone(table map[string]Policy) map[string]Policy {
	return maps.Clone(table)
}

// walk visits err and every error it wraps, depth first.
func walk(err error, visit func(error) bool) bool {
	if err == nil {
		return false
	}
	if visit(err) {
		return true
	}
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return walk(u.Unwrap(), visit)
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			if walk(e, visit) {
				return true
			}
		}
	}
	return false
}
