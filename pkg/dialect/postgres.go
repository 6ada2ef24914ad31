package dialect

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kong/dblinker/pkg/backend"
	"github.com/kong/dblinker/pkg/cache"
	"github.com/kong/dblinker/pkg/model"
)

const postgresProbeQuery = "SELECT now() - pg_last_xact_replay_timestamp() AS replication_lag"

var postgresPolicies = map[string]Policy{
	// connection failure
	"08006": {ChangeServer: true},
	// too many connections
	"53300": {Wait: time.Second},
}

var sqlstatePatterns = []*regexp.Regexp{
	regexp.MustCompile(`SQLSTATE\[([A-Z0-9]+)\]`),
	regexp.MustCompile(`\(SQLSTATE ([A-Z0-9]{5})\)`),
}

type postgresDialect struct{}

func (postgresDialect) Kind() Kind         { return PostgreSQL }
func (postgresDialect) DriverName() string { return "pgx" }
func (postgresDialect) ProbeQuery() string { return postgresProbeQuery }

func (postgresDialect) DSN(cfg model.ServerConfig) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   cfg.Host,
		Path:   "/" + cfg.DBName,
	}
	if cfg.Port > 0 {
		u.Host = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}
	q := url.Values{}
	for k, v := range cfg.DriverOptions {
		q.Set(k, v)
	}
	if q.Get("sslmode") == "" {
		q.Set("sslmode", "disable")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (d postgresDialect) Open(ctx context.Context, cfg model.ServerConfig) (backend.Conn, error) {
	return backend.Open(ctx, backend.Options{
		DriverName: d.DriverName(),
		DSN:        d.DSN(cfg),
		ErrorCode:  d.ErrorCode,
		Quote:      d.Quote,
		LastInsertIDQuery: func(name string) (string, []any) {
			if name == "" {
				return "SELECT lastval()", nil
			}
			return "SELECT currval($1)", []any{name}
		},
	})
}

// ErrorCode prefers the structured pgconn error and falls back to the
// SQLSTATE token embedded in wrapped error messages. A session dropped
// without a SQLSTATE counts as a connection failure.
func (postgresDialect) ErrorCode(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code != "" {
		return pgErr.Code, true
	}
	var code string
	found := walk(err, func(e error) bool {
		msg := e.Error()
		for _, re := range sqlstatePatterns {
			if m := re.FindStringSubmatch(msg); m != nil {
				code = m[1]
				return true
			}
		}
		return false
	})
	if found {
		return code, true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return "08006", true
	}
	return "", false
}

func (postgresDialect) Policy(code string) (Policy, bool) { return lookup(postgresPolicies, code) }
func (postgresDialect) ErrorPolicy() map[string]Policy    { return clone(postgresPolicies) }

func (d postgresDialect) IsAccessDenied(err error) bool {
	code, ok := d.ErrorCode(err)
	if !ok {
		return false
	}
	switch code {
	case "42501", "28000", "28P01":
		return true
	}
	return false
}

func (postgresDialect) Quote(value string) string {
	return backend.QuoteString(value)
}

// Probe reads the replay lag. A NULL lag (a primary, or a replica that has
// not replayed anything yet) is reported running with unknown lag.
func (postgresDialect) Probe(ctx context.Context, conn backend.Conn) (cache.HealthRecord, error) {
	rows, err := conn.Query(ctx, postgresProbeQuery)
	if err != nil {
		return cache.HealthRecord{}, err
	}
	defer rows.Close()
	row, err := rows.Fetch()
	if errors.Is(err, io.EOF) {
		return cache.HealthRecord{Running: true}, nil
	}
	if err != nil {
		return cache.HealthRecord{}, err
	}
	lag, err := asSeconds(row["replication_lag"])
	if err != nil {
		return cache.HealthRecord{}, err
	}
	return cache.HealthRecord{Running: true, LagSeconds: lag}, nil
}

var intervalUnit = regexp.MustCompile(`^(-?\d+) (years?|mons?|days?)\s*`)

var intervalUnits = map[string]time.Duration{
	"year": 365 * 24 * time.Hour,
	"mon":  30 * 24 * time.Hour,
	"day":  24 * time.Hour,
}

// parseInterval reads the text form of a postgres interval such as
// "1 day 02:03:04.5", "3 mons 00:00:01" or "-00:00:01.25".
func parseInterval(s string) (time.Duration, error) {
	var total time.Duration
	rest := strings.TrimSpace(s)
	for {
		m := intervalUnit.FindStringSubmatch(rest)
		if m == nil {
			break
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, err
		}
		total += time.Duration(n) * intervalUnits[strings.TrimSuffix(m[2], "s")]
		rest = rest[len(m[0]):]
	}
	if rest == "" {
		return total, nil
	}
	neg := strings.HasPrefix(rest, "-")
	rest = strings.TrimPrefix(rest, "-")
	parts := strings.Split(rest, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", s, err)
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", s, err)
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", s, err)
	}
	clock := time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second))
	if neg {
		clock = -clock
	}
	return total + clock, nil
}
