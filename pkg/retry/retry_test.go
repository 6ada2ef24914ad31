package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/juju/clock"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kong/dblinker/pkg/backend"
	"github.com/kong/dblinker/pkg/backend/backendtest"
	"github.com/kong/dblinker/pkg/dialect"
	"github.com/kong/dblinker/pkg/model"
	"github.com/kong/dblinker/pkg/router"
)

// recordingWaiter records every backoff and waits a thousandth of it.
type recordingWaiter struct {
	clock clock.Clock
	waits []time.Duration
}

func newRecordingWaiter() *recordingWaiter {
	return &recordingWaiter{clock: testclock.NewDilatedWallClock(time.Millisecond)}
}

func (w *recordingWaiter) After(d time.Duration) <-chan time.Time {
	w.waits = append(w.waits, d)
	return w.clock.After(d)
}

// blockedWaiter never fires.
type blockedWaiter struct{}

func (blockedWaiter) After(time.Duration) <-chan time.Time { return nil }

type firstPick struct{}

func (firstPick) IntN(int) int { return 0 }

func deadlock() error {
	return &mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock; try restarting transaction"}
}

func accessDenied() error {
	return &mysql.MySQLError{Number: 1045, Message: "Access denied for user 'app'@'10.0.0.1'"}
}

func mysqlStrategy(t *testing.T, limit int, opts ...Option) *ErrorCodeStrategy {
	t.Helper()
	d, err := dialect.New(dialect.MySQL)
	require.NoError(t, err)
	return NewStrategy(d, limit, append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
}

func replica(host string) model.ReplicaConfig {
	return model.ReplicaConfig{ServerConfig: model.ServerConfig{Host: host, User: "app", DBName: "shop"}, Weight: 1}
}

func newRouter(t *testing.T, kind dialect.Kind, dialer *backendtest.Dialer, hosts ...string) *router.Router {
	t.Helper()
	d, err := dialect.New(kind)
	require.NoError(t, err)
	var slaves []model.ReplicaConfig
	for _, h := range hosts {
		slaves = append(slaves, replica(h))
	}
	r, err := router.New(d, model.ServerConfig{Host: "master", User: "app", DBName: "shop"}, slaves,
		router.WithConnector(dialer.Connect), router.WithHealthCheck(false), router.WithRand(firstPick{}),
		router.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return r
}

func TestDeadlock_RetriedWithinBudget(t *testing.T) {
	waiter := newRecordingWaiter()
	strategy := mysqlStrategy(t, 2, WithWaiter(waiter))
	fake := backendtest.NewConn("db")
	first, second := deadlock(), deadlock()
	fake.FailNext(first, second)
	conn := Wrap(fake, strategy)

	_, err := conn.Query(context.Background(), "SELECT * FROM stock FOR UPDATE")
	require.NoError(t, err)
	require.Equal(t, 3, fake.Count("query"))
	require.Equal(t, []time.Duration{time.Second, time.Second}, waiter.waits)
	require.Zero(t, strategy.RetryLimit())
	require.Same(t, second, strategy.LastError())
}

func TestBudgetExhausted_PropagatesOriginalError(t *testing.T) {
	strategy := mysqlStrategy(t, 2, WithWaiter(newRecordingWaiter()))
	fake := backendtest.NewConn("db")
	last := deadlock()
	fake.FailNext(deadlock(), deadlock(), last)
	conn := Wrap(fake, strategy)

	_, err := conn.Exec(context.Background(), "UPDATE stock SET qty = qty - 1")
	require.Same(t, last, err)
	var myErr *mysql.MySQLError
	require.ErrorAs(t, err, &myErr)
	require.Equal(t, uint16(1213), myErr.Number)
	require.Equal(t, 3, fake.Count("exec"))
	require.Zero(t, strategy.RetryLimit())

	fake.FailNext(deadlock())
	_, err = conn.Exec(context.Background(), "UPDATE stock SET qty = qty - 1")
	require.Error(t, err)
	require.Equal(t, 4, fake.Count("exec"))
}

func TestUnlimitedBudget(t *testing.T) {
	strategy := mysqlStrategy(t, Unlimited, WithWaiter(newRecordingWaiter()))
	fake := backendtest.NewConn("db")
	for i := 0; i < 5; i++ {
		fake.FailNext(&mysql.MySQLError{Number: 1040, Message: "Too many connections"})
	}
	conn := Wrap(fake, strategy)
	_, err := conn.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)
	require.Equal(t, Unlimited, strategy.RetryLimit())
}

func TestUnclassifiedError_NotRetried(t *testing.T) {
	strategy := mysqlStrategy(t, 3)
	fake := backendtest.NewConn("db")
	syntax := &mysql.MySQLError{Number: 1064, Message: "You have an error in your SQL syntax"}
	fake.FailNext(syntax)
	conn := Wrap(fake, strategy)

	_, err := conn.Query(context.Background(), "SELEC 1")
	require.Same(t, syntax, err)
	require.Equal(t, 1, fake.Count("query"))
	require.Equal(t, 3, strategy.RetryLimit())
	require.Same(t, syntax, strategy.LastError())
}

func TestInTransaction_NotRetried(t *testing.T) {
	waiter := newRecordingWaiter()
	strategy := mysqlStrategy(t, 3, WithWaiter(waiter))
	fake := backendtest.NewConn("db")
	conn := Wrap(fake, strategy)
	ctx := context.Background()

	require.NoError(t, conn.Begin(ctx))
	require.Equal(t, 1, conn.TransactionDepth())
	fake.FailNext(deadlock())
	_, err := conn.Exec(ctx, "UPDATE stock SET qty = 0")
	require.Error(t, err)
	require.Equal(t, 1, fake.Count("exec"))
	require.Equal(t, 3, strategy.RetryLimit())

	// depth drops before commit runs, so commit itself may be retried
	fake.FailNext(deadlock())
	require.NoError(t, conn.Commit(ctx))
	require.Zero(t, conn.TransactionDepth())
	require.Equal(t, 2, fake.Count("commit"))
	require.Equal(t, 2, strategy.RetryLimit())
	require.Len(t, waiter.waits, 1)
}

func TestBegin_FailureIsNotRetried(t *testing.T) {
	strategy := mysqlStrategy(t, 3)
	fake := backendtest.NewConn("db")
	fake.FailNext(deadlock())
	conn := Wrap(fake, strategy)

	require.Error(t, conn.Begin(context.Background()))
	require.Equal(t, 1, fake.Count("begin"))
	require.Equal(t, 1, conn.TransactionDepth())
	require.Equal(t, 3, strategy.RetryLimit())
}

func TestAccessDenied_OnReplicaFailsOver(t *testing.T) {
	dialer := backendtest.NewDialer()
	dialer.Setup = func(host string, c *backendtest.Conn) {
		if host == "a" {
			c.FailNext(accessDenied())
		}
	}
	r := newRouter(t, dialect.MySQL, dialer, "a", "b")
	strategy := mysqlStrategy(t, 5)
	conn := Wrap(r, strategy)

	_, err := conn.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)
	require.Equal(t, "b", r.LastConnection().Config().Host)
	require.True(t, r.Replicas()[0].Disabled())
	require.True(t, dialer.Conn("a").Closed)
	require.Equal(t, 4, strategy.RetryLimit())
}

func TestAccessDenied_LastReplicaFallsBackToPrimary(t *testing.T) {
	dialer := backendtest.NewDialer()
	dialer.Setup = func(host string, c *backendtest.Conn) {
		if host == "a" {
			c.FailNext(accessDenied())
		}
	}
	r := newRouter(t, dialect.MySQL, dialer, "a")
	conn := Wrap(r, mysqlStrategy(t, 5))

	_, err := conn.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)
	require.Equal(t, router.Node(r.Primary()), r.LastConnection())
}

func TestAccessDenied_OnPrimaryFailsImmediately(t *testing.T) {
	dialer := backendtest.NewDialer()
	denied := accessDenied()
	dialer.Setup = func(host string, c *backendtest.Conn) {
		if host == "master" {
			c.FailNext(denied)
		}
	}
	r := newRouter(t, dialect.MySQL, dialer, "a")
	strategy := mysqlStrategy(t, 5)
	conn := Wrap(r, strategy)

	_, err := conn.Exec(context.Background(), "INSERT INTO t VALUES (1)")
	require.Same(t, denied, err)
	require.Equal(t, 5, strategy.RetryLimit())
	require.Equal(t, 1, dialer.Opens("master"))
	require.Equal(t, 1, dialer.Conn("master").Count("exec"))

	d := strategy.Decide(err, conn)
	require.True(t, d.Retry)
	require.False(t, strategy.Apply(context.Background(), d, conn))
	require.Equal(t, 5, strategy.RetryLimit())
}

type wrappedError struct {
	layer string
	cause error
}

func (e *wrappedError) Error() string { return e.layer + ": driver exception" }
func (e *wrappedError) Unwrap() error { return e.cause }

func TestPostgres_NestedSQLStateFailsOver(t *testing.T) {
	nested := &wrappedError{"dbal", &wrappedError{"driver", &wrappedError{"pdo",
		errors.New("SQLSTATE[08006] [7] server closed the connection unexpectedly")}}}

	d, _ := dialect.New(dialect.PostgreSQL)
	strategy := NewStrategy(d, 3)
	p, code, ok := strategy.Classify(nested)
	require.True(t, ok)
	require.Equal(t, "08006", code)
	require.True(t, p.ChangeServer)

	dialer := backendtest.NewDialer()
	dialer.Setup = func(host string, c *backendtest.Conn) {
		if host == "a" {
			c.FailNext(nested)
		}
	}
	r := newRouter(t, dialect.PostgreSQL, dialer, "a", "b")
	conn := Wrap(r, strategy)
	_, err := conn.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)
	require.Equal(t, "b", r.LastConnection().Config().Host)
	require.Equal(t, 2, strategy.RetryLimit())
}

func TestGoneAway_Reconnects(t *testing.T) {
	dialer := backendtest.NewDialer()
	opened := 0
	dialer.Setup = func(host string, c *backendtest.Conn) {
		opened++
		if opened == 1 {
			c.FailNext(mysql.ErrInvalidConn)
		}
	}
	conn := NewConn(func(ctx context.Context) (backend.Conn, error) {
		return dialer.Connect(ctx, model.ServerConfig{Host: "db"})
	}, mysqlStrategy(t, 1))

	first, err := conn.Wrapped(context.Background())
	require.NoError(t, err)
	_, err = conn.Query(context.Background(), "SELECT 1")
	require.NoError(t, err)
	require.Equal(t, 2, dialer.Opens("db"))
	require.True(t, first.(*backendtest.Conn).Closed)
	require.Same(t, dialer.Conn("db"), conn.Current())
}

func TestDialFailure_Propagates(t *testing.T) {
	refused := errors.New("dial tcp 10.0.0.1:3306: connect: connection refused")
	conn := NewConn(func(context.Context) (backend.Conn, error) { return nil, refused }, mysqlStrategy(t, 3))
	_, err := conn.Query(context.Background(), "SELECT 1")
	require.ErrorIs(t, err, refused)
	require.Nil(t, conn.Current())
	require.Empty(t, conn.ErrorCode())
	require.Equal(t, "'x'", conn.Quote("x"))
}

func TestHandler_ForcesRetry(t *testing.T) {
	strategy := mysqlStrategy(t, 0)
	missing := &mysql.MySQLError{Number: 1146, Message: "Table 'shop.stock' doesn't exist"}
	fake := backendtest.NewConn("db")
	fake.FailNext(missing)

	var calls []string
	strategy.AddHandler(func(ctx context.Context, err error, c Connection) bool {
		calls = append(calls, "create")
		var myErr *mysql.MySQLError
		if !errors.As(err, &myErr) || myErr.Number != 1146 {
			return false
		}
		_, execErr := c.Current().Exec(ctx, "CREATE TABLE stock (id INT)")
		return execErr == nil
	})
	strategy.AddHandler(func(context.Context, error, Connection) bool {
		calls = append(calls, "second")
		return true
	})
	conn := Wrap(fake, strategy)

	_, err := conn.Query(context.Background(), "SELECT * FROM stock")
	require.NoError(t, err)
	require.Equal(t, []string{"create"}, calls)
	require.Equal(t, 1, fake.Count("exec"))
	require.Zero(t, strategy.RetryLimit())
	require.Same(t, missing, strategy.LastError())
}

func TestWait_CanceledContext(t *testing.T) {
	strategy := mysqlStrategy(t, 3, WithWaiter(blockedWaiter{}))
	fake := backendtest.NewConn("db")
	dl := deadlock()
	fake.FailNext(dl)
	conn := Wrap(fake, strategy)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := conn.Query(ctx, "SELECT 1")
	require.Same(t, dl, err)
	require.Equal(t, 3, strategy.RetryLimit())
}

func TestDecide(t *testing.T) {
	strategy := mysqlStrategy(t, 1)
	fake := backendtest.NewConn("db")
	conn := Wrap(fake, strategy)

	d := strategy.Decide(deadlock(), conn)
	require.Equal(t, Decision{Code: "1213", Policy: Policy{Wait: time.Second}, Retry: true, Reason: Granted}, d)

	d = strategy.Decide(errors.New("boom"), conn)
	require.Equal(t, Unclassified, d.Reason)
	require.False(t, d.Retry)

	require.NoError(t, conn.Begin(context.Background()))
	d = strategy.Decide(deadlock(), conn)
	require.Equal(t, InTransaction, d.Reason)

	strategy.limit = 0
	d = strategy.Decide(deadlock(), conn)
	require.Equal(t, BudgetExhausted, d.Reason)
}

func TestStmt_ExecuteRetriedOnNewConnection(t *testing.T) {
	dialer := backendtest.NewDialer()
	dialer.Setup = func(host string, c *backendtest.Conn) {
		c.SetResult("SELECT * FROM stock WHERE id = ?", backend.Row{"id": int64(1)})
	}
	conn := NewConn(func(ctx context.Context) (backend.Conn, error) {
		return dialer.Connect(ctx, model.ServerConfig{Host: "db"})
	}, mysqlStrategy(t, 2))
	ctx := context.Background()

	stmt, err := conn.Prepare(ctx, "SELECT * FROM stock WHERE id = ?")
	require.NoError(t, err)
	require.NoError(t, stmt.BindValue(1, int64(1)))
	dialer.Conn("db").FailNext(&mysql.MySQLError{Number: 2006, Message: "MySQL server has gone away"})

	require.NoError(t, stmt.Execute(ctx))
	require.Equal(t, 2, dialer.Opens("db"))
	require.Equal(t, 1, dialer.Conn("db").Count("prepare"))
	require.Equal(t, 1, dialer.Conn("db").Count("execute"))
	row, err := stmt.Fetch()
	require.NoError(t, err)
	require.Equal(t, int64(1), row["id"])
	require.Equal(t, 1, conn.Strategy().(*ErrorCodeStrategy).RetryLimit())
}

func TestStmt_ExecuteFailsOverToAnotherReplica(t *testing.T) {
	tests := []struct {
		name string
		kind dialect.Kind
		err  error
	}{
		{
			name: "postgres connection failure",
			kind: dialect.PostgreSQL,
			err:  fmt.Errorf("execute: %w", errors.New("SQLSTATE[08006] [7] server closed the connection unexpectedly")),
		},
		{
			name: "mysql unknown database",
			kind: dialect.MySQL,
			err:  &mysql.MySQLError{Number: 1049, Message: "Unknown database 'shop'"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			const query = "SELECT id FROM stock"
			dialer := backendtest.NewDialer()
			dialer.Setup = func(host string, c *backendtest.Conn) {
				c.SetResult(query, backend.Row{"id": int64(7)})
			}
			r := newRouter(t, tt.kind, dialer, "a", "b")
			d, err := dialect.New(tt.kind)
			require.NoError(t, err)
			strategy := NewStrategy(d, 3, WithLogger(zaptest.NewLogger(t)))
			conn := Wrap(r, strategy)
			ctx := context.Background()

			stmt, err := conn.Prepare(ctx, query)
			require.NoError(t, err)
			require.Equal(t, "a", r.LastConnection().Config().Host)
			dialer.Conn("a").FailNext(tt.err)

			require.NoError(t, stmt.Execute(ctx))
			require.True(t, r.Replicas()[0].Disabled())
			require.Equal(t, 1, dialer.Opens("b"))
			require.Equal(t, 1, dialer.Conn("b").Count("prepare"))
			require.Equal(t, 1, dialer.Conn("b").Count("execute"))
			require.Equal(t, 2, strategy.RetryLimit())
			v, err := stmt.FetchColumn(0)
			require.NoError(t, err)
			require.Equal(t, int64(7), v)
		})
	}
}

func TestStatus(t *testing.T) {
	strategy := mysqlStrategy(t, 2)
	require.Equal(t, model.RetryStatus{RetryLimit: 2}, strategy.Status())
	strategy.ShouldRetry(context.Background(), fmt.Errorf("boom"), nil)
	require.Equal(t, "boom", strategy.Status().LastError)
}
