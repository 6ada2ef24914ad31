package router

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/kong/dblinker/pkg/backend"
	"github.com/kong/dblinker/pkg/cache"
	"github.com/kong/dblinker/pkg/model"
)

const defaultConnectInterval = 500 * time.Millisecond

// Connector opens one physical connection to a server.
type Connector func(ctx context.Context, cfg model.ServerConfig) (backend.Conn, error)

// Node is a server the router can route to.
type Node interface {
	// Connection returns the open connection, dialing it on first use.
	Connection(ctx context.Context) (backend.Conn, error)
	IsConnected() bool
	Close() error
	Config() model.ServerConfig
	String() string
}

type connectPolicy struct {
	retries  uint64
	interval time.Duration
	// permanent errors are not retried while connecting.
	permanent func(error) bool
}

// Server owns at most one physical connection, opened lazily.
type Server struct {
	cfg     model.ServerConfig
	conn    backend.Conn
	connect Connector
	policy  connectPolicy
	logger  *zap.Logger
}

func newServer(cfg model.ServerConfig, connect Connector, policy connectPolicy, logger *zap.Logger) Server {
	return Server{cfg: cfg, connect: connect, policy: policy, logger: logger}
}

func (s *Server) Connection(ctx context.Context) (backend.Conn, error) {
	if s.conn != nil {
		return s.conn, nil
	}
	var b backoff.BackOff = backoff.NewConstantBackOff(s.policy.interval)
	b = backoff.WithContext(backoff.WithMaxRetries(b, s.policy.retries), ctx)
	attempt := 0
	conn, err := backoff.RetryWithData(func() (backend.Conn, error) {
		attempt++
		c, err := s.connect(ctx, s.cfg)
		if err != nil && s.policy.permanent != nil && s.policy.permanent(err) {
			return nil, backoff.Permanent(err)
		}
		return c, err
	}, b)
	if err != nil {
		s.logger.Debug("connect failed", zap.String("server", s.String()),
			zap.Int("attempts", attempt), zap.Error(err))
		return nil, err
	}
	s.logger.Debug("connected", zap.String("server", s.String()), zap.Int("attempts", attempt))
	s.conn = conn
	return conn, nil
}

func (s *Server) IsConnected() bool {
	return s.conn != nil
}

// Close drops the connection. The next Connection call dials again.
func (s *Server) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.logger.Debug("closed", zap.String("server", s.String()))
	return err
}

func (s *Server) Config() model.ServerConfig {
	return s.cfg
}

func (s *Server) String() string {
	return s.cfg.String()
}

// Primary is the writable server.
type Primary struct {
	Server
}

// Replica is a read-only server with a selection weight.
type Replica struct {
	Server
	weight   int
	disabled bool
	health   *cache.HealthRecord
}

func (r *Replica) Weight() int {
	return r.weight
}

func (r *Replica) Disabled() bool {
	return r.disabled
}

// Disable removes the replica from selection and drops its connection.
func (r *Replica) Disable() {
	r.disabled = true
	if err := r.Close(); err != nil {
		r.logger.Debug("close disabled replica", zap.String("server", r.String()), zap.Error(err))
	}
}

// Enable returns a disabled replica to the selection pool.
func (r *Replica) Enable() {
	r.disabled = false
}

// Health returns the last observed health, if any.
func (r *Replica) Health() (cache.HealthRecord, bool) {
	if r.health == nil {
		return cache.HealthRecord{}, false
	}
	return *r.health, true
}

func (r *Replica) eligible() bool {
	return r.weight > 0 && !r.disabled
}
