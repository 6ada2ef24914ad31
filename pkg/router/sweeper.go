package router

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultSweepPeriod  = 60 * time.Second
	defaultProbeTimeout = 5 * time.Second
)

// Sweeper probes every replica of a router on a fixed period, keeping the
// shared health cache fresh. Sweeps hold mu so they never overlap calls
// issued on the router by its owner.
type Sweeper struct {
	router       *Router
	mu           sync.Locker
	period       time.Duration
	probeTimeout time.Duration
	logger       *zap.Logger
	closeChan    chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup
}

func NewSweeper(r *Router, mu sync.Locker, period time.Duration) *Sweeper {
	if period <= 0 {
		period = defaultSweepPeriod
	}
	return &Sweeper{
		router:       r,
		mu:           mu,
		period:       period,
		probeTimeout: defaultProbeTimeout,
		logger:       r.logger,
		closeChan:    make(chan struct{}),
	}
}

// Start runs sweeps in the background until Close.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.backgroundHealthCheck()
}

// Close stops the background loop and waits for a running sweep to finish.
func (s *Sweeper) Close() {
	s.closeOnce.Do(func() {
		close(s.closeChan)
	})
	s.wg.Wait()
}

func (s *Sweeper) backgroundHealthCheck() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeChan:
			s.logger.Info("backgroundHealthCheck exited..")
			return
		case <-ticker.C:
			s.Sweep(context.Background())
		}
	}
}

// Sweep probes every replica once and returns the verdict per server.
func (s *Sweeper) Sweep(parent context.Context) map[string]bool {
	ctx, cancel := context.WithTimeout(parent, s.probeTimeout)
	defer cancel()
	s.mu.Lock()
	results := s.router.CheckReplicas(ctx)
	s.mu.Unlock()

	out := make(map[string]bool, len(results))
	healthy := 0
	for rep, ok := range results {
		out[rep.String()] = ok
		if ok {
			healthy++
		}
	}
	if len(out) > 0 && healthy == 0 {
		s.logger.Warn("Health check reported no healthy replicas, reads use the primary")
	}
	s.logger.Info("Replica health state", zap.Int("replicas", len(out)), zap.Int("healthy", healthy))
	return out
}
