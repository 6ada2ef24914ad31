package dialect

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/kong/dblinker/pkg/backend"
	"github.com/kong/dblinker/pkg/cache"
	"github.com/kong/dblinker/pkg/model"
)

const mysqlProbeQuery = "SHOW SLAVE STATUS"

var mysqlPolicies = map[string]Policy{
	// too many connections
	"1040": {Wait: time.Second},
	// user has too many connections
	"1203": {Wait: time.Second},
	// aborted connection
	"1152": {Wait: time.Second},
	// lock wait timeout
	"1205": {Wait: time.Second},
	// deadlock
	"1213": {Wait: time.Second},
	// access denied for user to database
	"1044": {ChangeServer: true, Reconnect: true},
	// access denied for user
	"1045": {ChangeServer: true, Reconnect: true},
	// unknown database
	"1049": {ChangeServer: true},
	// server has gone away
	"2006": {Reconnect: true},
	// lost connection during query
	"2013": {Reconnect: true},
}

var mysqlCodePattern = regexp.MustCompile(`Error (\d{4})`)

type mysqlDialect struct{}

func (mysqlDialect) Kind() Kind         { return MySQL }
func (mysqlDialect) DriverName() string { return "mysql" }
func (mysqlDialect) ProbeQuery() string { return mysqlProbeQuery }

func (mysqlDialect) DSN(cfg model.ServerConfig) string {
	c := mysql.NewConfig()
	c.User = cfg.User
	c.Passwd = cfg.Password
	c.Net = "tcp"
	c.Addr = cfg.Host
	if cfg.Port > 0 {
		c.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}
	c.DBName = cfg.DBName
	c.ParseTime = true
	if len(cfg.DriverOptions) > 0 {
		c.Params = make(map[string]string, len(cfg.DriverOptions))
		for k, v := range cfg.DriverOptions {
			c.Params[k] = v
		}
	}
	return c.FormatDSN()
}

func (d mysqlDialect) Open(ctx context.Context, cfg model.ServerConfig) (backend.Conn, error) {
	return backend.Open(ctx, backend.Options{
		DriverName: d.DriverName(),
		DSN:        d.DSN(cfg),
		ErrorCode:  d.ErrorCode,
		Quote:      d.Quote,
		LastInsertIDQuery: func(string) (string, []any) {
			return "SELECT LAST_INSERT_ID()", nil
		},
	})
}

func (mysqlDialect) ErrorCode(err error) (string, bool) {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return strconv.Itoa(int(myErr.Number)), true
	}
	if errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, driver.ErrBadConn) {
		return "2006", true
	}
	var code string
	found := walk(err, func(e error) bool {
		if m := mysqlCodePattern.FindStringSubmatch(e.Error()); m != nil {
			code = m[1]
			return true
		}
		return false
	})
	return code, found
}

func (mysqlDialect) Policy(code string) (Policy, bool) { return lookup(mysqlPolicies, code) }
func (mysqlDialect) ErrorPolicy() map[string]Policy    { return clone(mysqlPolicies) }

func (d mysqlDialect) IsAccessDenied(err error) bool {
	if code, ok := d.ErrorCode(err); ok {
		switch code {
		case "1044", "1045", "1227":
			return true
		}
	}
	return err != nil && strings.Contains(err.Error(), "Access denied")
}

var mysqlEscaper = strings.NewReplacer(
	"\\", "\\\\",
	"'", "\\'",
	"\"", "\\\"",
	"\x00", "\\0",
	"\n", "\\n",
	"\r", "\\r",
	"\x1a", "\\Z",
)

func (mysqlDialect) Quote(value string) string {
	return "'" + mysqlEscaper.Replace(value) + "'"
}

// Probe reads SHOW SLAVE STATUS. A server that returns no row is not
// configured as a replica and is reported running with unknown lag.
func (mysqlDialect) Probe(ctx context.Context, conn backend.Conn) (cache.HealthRecord, error) {
	rows, err := conn.Query(ctx, mysqlProbeQuery)
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
	if asString(row["Slave_IO_Running"]) == "No" || asString(row["Slave_SQL_Running"]) == "No" {
		return cache.HealthRecord{Running: false}, nil
	}
	lag, err := asSeconds(row["Seconds_Behind_Master"])
	if err != nil {
		return cache.HealthRecord{}, err
	}
	return cache.HealthRecord{Running: true, LagSeconds: lag}, nil
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	}
	return fmt.Sprint(v)
}

func asSeconds(v any) (*float64, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case int64:
		return cache.Lag(float64(t)), nil
	case int:
		return cache.Lag(float64(t)), nil
	case float64:
		return cache.Lag(t), nil
	case time.Duration:
		return cache.Lag(t.Seconds()), nil
	}
	s := strings.TrimSpace(asString(v))
	if s == "" || strings.EqualFold(s, "NULL") {
		return nil, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return cache.Lag(f), nil
	}
	d, err := parseInterval(s)
	if err != nil {
		return nil, err
	}
	return cache.Lag(d.Seconds()), nil
}
