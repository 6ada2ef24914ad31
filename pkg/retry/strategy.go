package retry

import (
	"context"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/kong/dblinker/pkg/backend"
	"github.com/kong/dblinker/pkg/dialect"
	"github.com/kong/dblinker/pkg/metrics"
	"github.com/kong/dblinker/pkg/model"
)

// Unlimited disables the retry budget.
const Unlimited = model.UnlimitedRetries

type Policy = dialect.Policy

// Connection is the view of a wrapped connection a strategy acts on.
type Connection interface {
	TransactionDepth() int
	// Current is the wrapped connection, nil when none is open.
	Current() backend.Conn
	// Close drops the wrapped connection so the next call reconnects.
	Close() error
}

// Failover is implemented by connections able to move off a failing replica.
type Failover interface {
	ChangeReplica() bool
}

// failedOver is implemented by connections that must forget statements
// prepared on the server they were moved off.
type failedOver interface {
	serverChanged()
}

// Handler may force a retry of err regardless of the code table.
type Handler func(ctx context.Context, err error, conn Connection) bool

type Strategy interface {
	// ShouldRetry applies any side effect needed before retrying and
	// reports whether the failed call should be issued again.
	ShouldRetry(ctx context.Context, err error, conn Connection) bool
}

// Waiter is the part of clock.Clock used to back off.
type Waiter interface {
	After(d time.Duration) <-chan time.Time
}

type Reason string

const (
	Granted         Reason = "granted"
	BudgetExhausted Reason = "budget_exhausted"
	InTransaction   Reason = "in_transaction"
	Unclassified    Reason = "unclassified"
	OnPrimary       Reason = "on_primary"
	Canceled        Reason = "canceled"
)

// Decision is the outcome of Decide for one error.
type Decision struct {
	Code   string
	Policy Policy
	Retry  bool
	Reason Reason
}

type Option func(*ErrorCodeStrategy)

func WithLogger(logger *zap.Logger) Option {
	return func(s *ErrorCodeStrategy) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithWaiter(w Waiter) Option {
	return func(s *ErrorCodeStrategy) { s.waiter = w }
}

// ErrorCodeStrategy retries errors listed in the dialect's code table, up
// to a budget shared by every call on the connection.
type ErrorCodeStrategy struct {
	dialect  dialect.Dialect
	limit    int
	handlers []Handler
	lastErr  error
	waiter   Waiter
	logger   *zap.Logger
}

// NewStrategy returns a strategy granting at most limit retries, or any
// number with Unlimited.
func NewStrategy(d dialect.Dialect, limit int, opts ...Option) *ErrorCodeStrategy {
	s := &ErrorCodeStrategy{
		dialect: d,
		limit:   limit,
		waiter:  clock.WallClock,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddHandler appends h. Handlers run in registration order before the code
// table; the first returning true grants the retry.
func (s *ErrorCodeStrategy) AddHandler(h Handler) {
	s.handlers = append(s.handlers, h)
}

// RetryLimit is the remaining budget, or Unlimited.
func (s *ErrorCodeStrategy) RetryLimit() int {
	return s.limit
}

// LastError is the last error passed to ShouldRetry.
func (s *ErrorCodeStrategy) LastError() error {
	return s.lastErr
}

func (s *ErrorCodeStrategy) Status() model.RetryStatus {
	st := model.RetryStatus{RetryLimit: s.limit}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Classify looks err's code up in the dialect table.
func (s *ErrorCodeStrategy) Classify(err error) (Policy, string, bool) {
	code, ok := s.dialect.ErrorCode(err)
	if !ok {
		return Policy{}, "", false
	}
	p, ok := s.dialect.Policy(code)
	return p, code, ok
}

func (s *ErrorCodeStrategy) exhausted() bool {
	return s.limit != Unlimited && s.limit <= 0
}

// Decide checks the budget, the transaction state and the code table, in
// that order. It has no side effects.
func (s *ErrorCodeStrategy) Decide(err error, conn Connection) Decision {
	p, code, classified := s.Classify(err)
	d := Decision{Code: code, Policy: p}
	switch {
	case s.exhausted():
		d.Reason = BudgetExhausted
	case conn != nil && conn.TransactionDepth() > 0:
		d.Reason = InTransaction
	case !classified:
		d.Reason = Unclassified
	default:
		d.Retry = true
		d.Reason = Granted
	}
	return d
}

// Apply performs the side effects of a granted decision: failover, wait,
// reconnect. The budget is consumed only when Apply returns true.
func (s *ErrorCodeStrategy) Apply(ctx context.Context, d Decision, conn Connection) bool {
	if !d.Retry {
		return false
	}
	if d.Policy.ChangeServer {
		var f Failover
		ok := false
		if conn != nil {
			f, ok = conn.Current().(Failover)
		}
		if !ok || !f.ChangeReplica() {
			s.decline(d.Code, OnPrimary)
			return false
		}
		if fo, ok := conn.(failedOver); ok {
			fo.serverChanged()
		}
	}
	if d.Policy.Wait > 0 {
		select {
		case <-s.waiter.After(d.Policy.Wait):
		case <-ctx.Done():
			s.decline(d.Code, Canceled)
			return false
		}
	}
	if d.Policy.Reconnect && conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Debug("close before reconnect failed", zap.Error(err))
		}
	}
	if s.limit != Unlimited {
		s.limit--
	}
	s.logger.Warn("retrying after backend error", zap.String("code", d.Code),
		zap.Duration("wait", d.Policy.Wait), zap.Bool("changeServer", d.Policy.ChangeServer),
		zap.Bool("reconnect", d.Policy.Reconnect), zap.Int("retriesLeft", s.limit))
	metrics.ObserveRetry(d.Code, string(Granted))
	return true
}

func (s *ErrorCodeStrategy) decline(code string, reason Reason) {
	if reason != Unclassified {
		s.logger.Info("retry declined", zap.String("code", code), zap.String("reason", string(reason)))
	}
	metrics.ObserveRetry(code, string(reason))
}

func (s *ErrorCodeStrategy) ShouldRetry(ctx context.Context, err error, conn Connection) bool {
	s.lastErr = err
	for _, h := range s.handlers {
		if h(ctx, err, conn) {
			s.logger.Debug("retry granted by handler", zap.Error(err))
			return true
		}
	}
	d := s.Decide(err, conn)
	if !d.Retry {
		s.decline(d.Code, d.Reason)
		return false
	}
	return s.Apply(ctx, d, conn)
}
