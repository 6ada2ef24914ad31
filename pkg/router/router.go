package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/kong/dblinker/pkg/backend"
	"github.com/kong/dblinker/pkg/cache"
	"github.com/kong/dblinker/pkg/dialect"
	"github.com/kong/dblinker/pkg/metrics"
	"github.com/kong/dblinker/pkg/model"
)

var ErrNoPrimary = errors.New("router: primary server is not configured")

const (
	defaultMaxSlaveDelay  = 30 * time.Second
	defaultHealthCacheTTL = 10 * time.Second
)

// Rand is the source of weighted draws.
type Rand interface {
	IntN(n int) int
}

type Option func(*Router)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithCache shares replica health between routers. Without a cache every
// health check probes the replica.
func WithCache(c cache.HealthCache) Option {
	return func(r *Router) { r.cache = c }
}

func WithMaxSlaveDelay(d time.Duration) Option {
	return func(r *Router) { r.maxSlaveDelay = d }
}

func WithHealthCacheTTL(d time.Duration) Option {
	return func(r *Router) { r.healthTTL = d }
}

// WithLenientProbeAccess treats an access-denied probe as a healthy replica
// with no lag.
func WithLenientProbeAccess(lenient bool) Option {
	return func(r *Router) { r.lenientProbe = lenient }
}

// WithHealthCheck toggles probing replicas before they are selected.
func WithHealthCheck(enabled bool) Option {
	return func(r *Router) { r.healthCheck = enabled }
}

// WithConnector replaces the dialect's connector.
func WithConnector(c Connector) Option {
	return func(r *Router) { r.connect = c }
}

func WithRand(rnd Rand) Option {
	return func(r *Router) { r.rand = rnd }
}

// WithConnectRetries retries failed connects that the dialect does not
// classify, interval apart.
func WithConnectRetries(retries uint64, interval time.Duration) Option {
	return func(r *Router) {
		r.connectPolicy.retries = retries
		if interval > 0 {
			r.connectPolicy.interval = interval
		}
	}
}

// Router is a backend.Conn spread over one primary and weighted replicas.
// It is not safe for concurrent use.
type Router struct {
	dialect  dialect.Dialect
	primary  *Primary
	replicas []*Replica

	// current is the replica attached for reads.
	current      *Replica
	lastUsed     Node
	forcePrimary bool
	txDepth      int
	txNode       Node

	cache         cache.HealthCache
	maxSlaveDelay time.Duration
	healthTTL     time.Duration
	lenientProbe  bool
	healthCheck   bool
	rand          Rand
	connect       Connector
	connectPolicy connectPolicy
	logger        *zap.Logger
}

// New builds a router. No connection is opened until the first call.
func New(d dialect.Dialect, master model.ServerConfig, slaves []model.ReplicaConfig, opts ...Option) (*Router, error) {
	if master.Host == "" {
		return nil, ErrNoPrimary
	}
	r := &Router{
		dialect:       d,
		maxSlaveDelay: defaultMaxSlaveDelay,
		healthTTL:     defaultHealthCacheTTL,
		lenientProbe:  true,
		healthCheck:   true,
		rand:          rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		connect:       d.Open,
		connectPolicy: connectPolicy{interval: defaultConnectInterval},
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.connectPolicy.permanent = func(err error) bool {
		_, classified := d.ErrorCode(err)
		return classified
	}
	r.primary = &Primary{Server: newServer(master, r.connect, r.connectPolicy, r.logger)}
	for _, s := range slaves {
		if s.Weight < 0 {
			return nil, fmt.Errorf("replica %s: negative weight %d", s.String(), s.Weight)
		}
		r.replicas = append(r.replicas, &Replica{
			Server: newServer(s.ServerConfig, r.connect, r.connectPolicy, r.logger),
			weight: s.Weight,
		})
	}
	return r, nil
}

// FromConfig builds a router and its dialect from a loaded configuration.
func FromConfig(cfg *model.Config, opts ...Option) (*Router, error) {
	d, err := dialect.Parse(cfg.Dialect)
	if err != nil {
		return nil, err
	}
	base := []Option{
		WithMaxSlaveDelay(cfg.MaxSlaveDelay.Duration),
		WithHealthCacheTTL(cfg.HealthCacheTTL.Duration),
		WithLenientProbeAccess(cfg.LenientProbe()),
		WithHealthCheck(cfg.HealthCheckEnabled()),
		WithConnectRetries(cfg.ConnectRetries, 0),
	}
	return New(d, cfg.Master, cfg.Slaves, append(base, opts...)...)
}

func (r *Router) Dialect() dialect.Dialect { return r.dialect }
func (r *Router) Primary() *Primary        { return r.primary }

// Replicas returns every configured replica, including weight 0 ones.
func (r *Router) Replicas() []*Replica { return r.replicas }

// LastConnection is the server that answered the most recent call.
func (r *Router) LastConnection() Node { return r.lastUsed }

func (r *Router) TransactionDepth() int { return r.txDepth }

// ForceMaster sends reads to the primary while set. Open connections are kept.
func (r *Router) ForceMaster(force bool) {
	r.forcePrimary = force
}

func (r *Router) IsForcedMaster() bool { return r.forcePrimary }

// DisableCache stops using the health cache for this router.
func (r *Router) DisableCache() {
	r.cache = nil
}

// writeNode is the target of writes and transaction control.
func (r *Router) writeNode() Node {
	if r.txNode != nil {
		return r.txNode
	}
	return r.primary
}

func (r *Router) readNode(ctx context.Context, query string) Node {
	if r.txNode != nil {
		return r.txNode
	}
	if r.forcePrimary || backend.IsWrite(query) || primaryRequested(ctx) {
		return r.primary
	}
	if rep := r.selectReplica(ctx); rep != nil {
		return rep
	}
	return r.primary
}

func (r *Router) use(ctx context.Context, n Node) (backend.Conn, error) {
	r.lastUsed = n
	return n.Connection(ctx)
}

func (r *Router) Prepare(ctx context.Context, query string) (backend.Stmt, error) {
	conn, err := r.use(ctx, r.readNode(ctx, query))
	if err != nil {
		return nil, err
	}
	return conn.Prepare(ctx, query)
}

func (r *Router) Query(ctx context.Context, query string, args ...any) (backend.Rows, error) {
	conn, err := r.use(ctx, r.readNode(ctx, query))
	if err != nil {
		return nil, err
	}
	return conn.Query(ctx, query, args...)
}

func (r *Router) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	conn, err := r.use(ctx, r.writeNode())
	if err != nil {
		return 0, err
	}
	return conn.Exec(ctx, query, args...)
}

// Begin starts a transaction on the primary and pins every following call
// to it until the matching Commit or Rollback.
func (r *Router) Begin(ctx context.Context) error {
	node := r.writeNode()
	conn, err := r.use(ctx, node)
	if err != nil {
		return err
	}
	if err := conn.Begin(ctx); err != nil {
		return err
	}
	r.txDepth++
	r.txNode = node
	return nil
}

func (r *Router) Commit(ctx context.Context) error {
	return r.endTx(ctx, backend.Conn.Commit)
}

func (r *Router) Rollback(ctx context.Context) error {
	return r.endTx(ctx, backend.Conn.Rollback)
}

func (r *Router) endTx(ctx context.Context, end func(backend.Conn, context.Context) error) error {
	conn, err := r.use(ctx, r.writeNode())
	if err == nil {
		err = end(conn, ctx)
	}
	if r.txDepth > 0 {
		r.txDepth--
	}
	if r.txDepth == 0 {
		r.txNode = nil
	}
	return err
}

func (r *Router) LastInsertID(ctx context.Context, name string) (string, error) {
	conn, err := r.use(ctx, r.writeNode())
	if err != nil {
		return "", err
	}
	return conn.LastInsertID(ctx, name)
}

func (r *Router) Quote(value string) string {
	return r.dialect.Quote(value)
}

func (r *Router) ErrorCode() string {
	if r.lastUsed == nil || !r.lastUsed.IsConnected() {
		return ""
	}
	conn, _ := r.lastUsed.Connection(context.Background())
	return conn.ErrorCode()
}

func (r *Router) ErrorInfo() backend.ErrorInfo {
	if r.lastUsed == nil || !r.lastUsed.IsConnected() {
		return backend.ErrorInfo{}
	}
	conn, _ := r.lastUsed.Connection(context.Background())
	return conn.ErrorInfo()
}

// Close closes every open connection. Disabled replicas stay disabled and
// the next call reconnects lazily.
func (r *Router) Close() error {
	errs := []error{r.primary.Close()}
	for _, rep := range r.replicas {
		errs = append(errs, rep.Close())
	}
	r.current = nil
	r.lastUsed = nil
	r.txDepth = 0
	r.txNode = nil
	return errors.Join(errs...)
}

// ChangeReplica disables the replica that served the last call so the next
// read draws another one. It reports false when the last call was not
// served by a replica.
func (r *Router) ChangeReplica() bool {
	rep, ok := r.lastUsed.(*Replica)
	if !ok {
		return false
	}
	r.disable(rep)
	metrics.ObserveFailover(rep.String())
	return true
}

// DisableCurrentReplica disables the attached replica, if any.
func (r *Router) DisableCurrentReplica() {
	if r.current != nil {
		r.disable(r.current)
	}
}

func (r *Router) disable(rep *Replica) {
	r.logger.Warn("disabling replica", zap.String("server", rep.String()))
	if r.txNode == Node(rep) {
		rep.disabled = true
	} else {
		rep.Disable()
	}
	if r.current == rep {
		r.current = nil
	}
	if r.lastUsed == Node(rep) {
		r.lastUsed = nil
	}
}

// release drops the connection of a replica that is not serving the
// current session. A replica pinned by a transaction keeps its connection.
func (r *Router) release(rep *Replica) {
	if r.txNode == Node(rep) {
		return
	}
	if r.current == rep {
		r.current = nil
	}
	if err := rep.Close(); err != nil {
		r.logger.Debug("close released replica", zap.String("server", rep.String()), zap.Error(err))
	}
}

// Status reports the router state for observability.
func (r *Router) Status() model.RouterStatus {
	st := model.RouterStatus{
		Primary:          r.primary.String(),
		PrimaryConnected: r.primary.IsConnected(),
		ForcePrimary:     r.forcePrimary,
		TransactionDepth: r.txDepth,
		Replicas:         make([]model.ReplicaStatus, 0, len(r.replicas)),
	}
	if r.lastUsed != nil {
		st.LastConnection = r.lastUsed.String()
	}
	for _, rep := range r.replicas {
		rs := model.ReplicaStatus{
			Server:    rep.String(),
			Weight:    rep.weight,
			Disabled:  rep.disabled,
			Connected: rep.IsConnected(),
		}
		if h, ok := rep.Health(); ok {
			rs.Health = &model.HealthStatus{Running: h.Running, LagSeconds: h.LagSeconds}
		}
		st.Replicas = append(st.Replicas, rs)
	}
	return st
}
