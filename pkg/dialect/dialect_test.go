package dialect

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/matryer/is"

	"github.com/kong/dblinker/pkg/backend"
	"github.com/kong/dblinker/pkg/backend/backendtest"
	"github.com/kong/dblinker/pkg/model"
)

func TestParseKind(t *testing.T) {
	is := is.New(t)
	for name, want := range map[string]Kind{
		"mysql":      MySQL,
		"PDO_MYSQL":  MySQL,
		"mysqli":     MySQL,
		"postgres":   PostgreSQL,
		"pgsql":      PostgreSQL,
		"pdo_pgsql":  PostgreSQL,
		"PostgreSQL": PostgreSQL,
	} {
		got, err := ParseKind(name)
		is.NoErr(err)
		is.Equal(got, want)
	}
	_, err := ParseKind("oracle")
	is.True(errors.Is(err, ErrUnknownDialect))
	_, err = New(Kind(42))
	is.True(errors.Is(err, ErrUnknownDialect))
}

func TestMySQLPolicies(t *testing.T) {
	is := is.New(t)
	d, err := New(MySQL)
	is.NoErr(err)
	for _, code := range []string{"1040", "1203", "1152", "1205", "1213"} {
		p, ok := d.Policy(code)
		is.True(ok)
		is.Equal(p, Policy{Wait: time.Second})
	}
	p, _ := d.Policy("1045")
	is.Equal(p, Policy{ChangeServer: true, Reconnect: true})
	p, _ = d.Policy("1049")
	is.Equal(p, Policy{ChangeServer: true})
	p, _ = d.Policy("2006")
	is.Equal(p, Policy{Reconnect: true})
	_, ok := d.Policy("1064")
	is.True(!ok)

	table := d.ErrorPolicy()
	delete(table, "1213")
	_, ok = d.Policy("1213")
	is.True(ok) // ErrorPolicy returns a copy
}

func TestPostgresPolicies(t *testing.T) {
	is := is.New(t)
	d, _ := New(PostgreSQL)
	p, ok := d.Policy("08006")
	is.True(ok)
	is.Equal(p, Policy{ChangeServer: true})
	p, ok = d.Policy("53300")
	is.True(ok)
	is.Equal(p, Policy{Wait: time.Second})
	is.Equal(len(d.ErrorPolicy()), 2)
}

func TestMySQLErrorCode(t *testing.T) {
	is := is.New(t)
	d, _ := New(MySQL)
	cases := []struct {
		err  error
		code string
		ok   bool
	}{
		{&mysql.MySQLError{Number: 1213, Message: "Deadlock found"}, "1213", true},
		{fmt.Errorf("exec: %w", &mysql.MySQLError{Number: 1045}), "1045", true},
		{mysql.ErrInvalidConn, "2006", true},
		{fmt.Errorf("query: %w", driver.ErrBadConn), "2006", true},
		{errors.New("Error 1040: Too many connections"), "1040", true},
		{errors.New("syntax"), "", false},
		{nil, "", false},
	}
	for _, c := range cases {
		code, ok := d.ErrorCode(c.err)
		is.Equal(ok, c.ok)
		is.Equal(code, c.code)
	}
}

type wrapped struct {
	msg   string
	cause error
}

func (w *wrapped) Error() string { return w.msg }
func (w *wrapped) Unwrap() error { return w.cause }

func TestPostgresErrorCode_NestedSQLState(t *testing.T) {
	is := is.New(t)
	d, _ := New(PostgreSQL)

	inner := errors.New("SQLSTATE[08006] [7] could not connect to server")
	err := &wrapped{"dbal", &wrapped{"driver", &wrapped{"pdo", inner}}}
	code, ok := d.ErrorCode(err)
	is.True(ok)
	is.Equal(code, "08006")

	p, _ := d.Policy(code)
	is.True(p.ChangeServer)
}

func TestPostgresErrorCode(t *testing.T) {
	is := is.New(t)
	d, _ := New(PostgreSQL)

	code, ok := d.ErrorCode(fmt.Errorf("query: %w", &pgconn.PgError{Code: "53300", Message: "too many connections"}))
	is.True(ok)
	is.Equal(code, "53300")

	code, ok = d.ErrorCode(errors.Join(errors.New("first"), errors.New("FATAL: too many clients (SQLSTATE 53300)")))
	is.True(ok)
	is.Equal(code, "53300")

	code, ok = d.ErrorCode(fmt.Errorf("query: %w", driver.ErrBadConn))
	is.True(ok)
	is.Equal(code, "08006")

	code, ok = d.ErrorCode(fmt.Errorf("commit: %w", sql.ErrConnDone))
	is.True(ok)
	is.Equal(code, "08006")
	p, _ := d.Policy(code)
	is.True(p.ChangeServer)

	_, ok = d.ErrorCode(errors.New("plain failure"))
	is.True(!ok)
}

func TestIsAccessDenied(t *testing.T) {
	is := is.New(t)
	my, _ := New(MySQL)
	is.True(my.IsAccessDenied(&mysql.MySQLError{Number: 1227, Message: "Access denied; you need the SUPER privilege"}))
	is.True(my.IsAccessDenied(errors.New("Access denied for user 'app'@'%'")))
	is.True(!my.IsAccessDenied(&mysql.MySQLError{Number: 1213}))
	is.True(!my.IsAccessDenied(nil))

	pg, _ := New(PostgreSQL)
	is.True(pg.IsAccessDenied(&pgconn.PgError{Code: "42501"}))
	is.True(!pg.IsAccessDenied(&pgconn.PgError{Code: "08006"}))
}

func TestDSN(t *testing.T) {
	is := is.New(t)
	cfg := model.ServerConfig{Host: "db1", Port: 3306, User: "app", Password: "s3cret", DBName: "shop"}

	my, _ := New(MySQL)
	parsed, err := mysql.ParseDSN(my.DSN(cfg))
	is.NoErr(err)
	is.Equal(parsed.Addr, "db1:3306")
	is.Equal(parsed.User, "app")
	is.Equal(parsed.Passwd, "s3cret")
	is.Equal(parsed.DBName, "shop")

	cfg.Port = 5432
	cfg.DriverOptions = map[string]string{"application_name": "dblinker"}
	pg, _ := New(PostgreSQL)
	u, err := url.Parse(pg.DSN(cfg))
	is.NoErr(err)
	is.Equal(u.Host, "db1:5432")
	is.Equal(u.Path, "/shop")
	is.Equal(u.Query().Get("sslmode"), "disable")
	is.Equal(u.Query().Get("application_name"), "dblinker")
	pw, _ := u.User.Password()
	is.Equal(pw, "s3cret")
}

func TestQuote(t *testing.T) {
	is := is.New(t)
	my, _ := New(MySQL)
	is.Equal(my.Quote(`it's`), `'it\'s'`)
	is.Equal(my.Quote(`a\b`), `'a\\b'`)
	pg, _ := New(PostgreSQL)
	is.Equal(pg.Quote(`it's`), `'it''s'`)
}

func TestMySQLProbe(t *testing.T) {
	is := is.New(t)
	d, _ := New(MySQL)
	ctx := context.Background()

	conn := backendtest.NewConn("replica")
	rec, err := d.Probe(ctx, conn)
	is.NoErr(err)
	is.True(rec.Running) // not configured as a replica
	is.True(rec.LagSeconds == nil)

	conn.SetResult(mysqlProbeQuery, backend.Row{
		"Slave_IO_Running": "Yes", "Slave_SQL_Running": "Yes", "Seconds_Behind_Master": "12",
	})
	rec, err = d.Probe(ctx, conn)
	is.NoErr(err)
	is.True(rec.Running)
	is.Equal(*rec.LagSeconds, 12.0)

	conn.SetResult(mysqlProbeQuery, backend.Row{
		"Slave_IO_Running": "Yes", "Slave_SQL_Running": "No", "Seconds_Behind_Master": nil,
	})
	rec, err = d.Probe(ctx, conn)
	is.NoErr(err)
	is.True(!rec.Running)

	conn.SetResult(mysqlProbeQuery, backend.Row{
		"Slave_IO_Running": "Yes", "Slave_SQL_Running": "Yes", "Seconds_Behind_Master": nil,
	})
	rec, err = d.Probe(ctx, conn)
	is.NoErr(err)
	is.True(rec.Running)
	is.True(rec.LagSeconds == nil)

	denied := &mysql.MySQLError{Number: 1227, Message: "Access denied"}
	conn.FailNext(denied)
	_, err = d.Probe(ctx, conn)
	is.Equal(err, denied)
}

func TestPostgresProbe(t *testing.T) {
	is := is.New(t)
	d, _ := New(PostgreSQL)
	ctx := context.Background()
	conn := backendtest.NewConn("replica")

	conn.SetResult(postgresProbeQuery, backend.Row{"replication_lag": nil})
	rec, err := d.Probe(ctx, conn)
	is.NoErr(err)
	is.True(rec.Running)
	is.True(rec.LagSeconds == nil)

	conn.SetResult(postgresProbeQuery, backend.Row{"replication_lag": "00:00:42.5"})
	rec, err = d.Probe(ctx, conn)
	is.NoErr(err)
	is.Equal(*rec.LagSeconds, 42.5)

	conn.SetResult(postgresProbeQuery, backend.Row{"replication_lag": "garbage"})
	_, err = d.Probe(ctx, conn)
	is.True(err != nil)
}

func TestParseInterval(t *testing.T) {
	is := is.New(t)
	for in, want := range map[string]time.Duration{
		"00:00:01":         time.Second,
		"-00:00:01.25":     -1250 * time.Millisecond,
		"1 day 02:03:04.5": 26*time.Hour + 3*time.Minute + 4500*time.Millisecond,
		"2 days":           48 * time.Hour,
		"1 mon 00:00:00":   30 * 24 * time.Hour,
	} {
		got, err := parseInterval(in)
		is.NoErr(err)
		is.Equal(got, want)
	}
	_, err := parseInterval("soon")
	is.True(err != nil)
	is.True(strings.Contains(err.Error(), "invalid interval"))
}
