package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kong/dblinker/pkg/metrics"
	"github.com/kong/dblinker/pkg/model"
	"github.com/kong/dblinker/pkg/retry"
	"github.com/kong/dblinker/pkg/router"
)

const (
	startupPingRetries = 5
	shutdownTimeout    = 5 * time.Second
)

type appContext struct {
	// mu serializes access to Router and Conn, which are single-caller.
	mu       sync.Mutex
	Router   *router.Router
	Conn     *retry.Conn
	Strategy *retry.ErrorCodeStrategy
	Config   *model.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Sweeper  *router.Sweeper
	// closeMetrics flushes the statsd client, when configured.
	closeMetrics func() error
	closeOnce    sync.Once
}

func main() {
	var configPath, logLevel string
	rootCmd := &cobra.Command{
		Use:   "dblinker",
		Short: "serve primary/replica routing status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, logLevel)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "TOML config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, configPath, logLevel string) error {
	logger, err := SetupLogging(logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return err
	}
	ac, err := newAppContext(cfg, logger)
	if err != nil {
		return err
	}
	defer ac.Close()

	if err := ac.ping(ctx); err != nil {
		logger.Info("DB Connection failed", zap.Error(err))
	}
	ac.Sweeper.Start()

	srv := &http.Server{Addr: cfg.Listen, Handler: ac.routes()}
	errChan := make(chan error, 1)
	go func() {
		logger.Info("Application is running", zap.String("listen", cfg.Listen),
			zap.String("topology", cfg.Key()))
		errChan <- srv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newAppContext(cfg *model.Config, logger *zap.Logger, opts ...router.Option) (*appContext, error) {
	healthCache, err := newHealthCache(cfg.Cache)
	if err != nil {
		return nil, err
	}
	var closeMetrics func() error
	if cfg.Metrics.StatsdAddr != "" {
		emitter, closeFn, err := metrics.NewStatsdEmitter(cfg.Metrics.StatsdAddr, cfg.Metrics.Namespace)
		if err != nil {
			return nil, err
		}
		metrics.SetEmitter(emitter)
		closeMetrics = closeFn
	}
	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		return nil, err
	}

	base := []router.Option{router.WithLogger(logger)}
	if healthCache != nil {
		base = append(base, router.WithCache(healthCache))
	}
	r, err := router.FromConfig(cfg, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	strategy := retry.NewStrategy(r.Dialect(), cfg.Retries(), retry.WithLogger(logger))
	logger.Info("router configured", zap.String("dialect", r.Dialect().Kind().String()),
		zap.String("primary", cfg.Master.String()), zap.Int("replicas", len(cfg.Slaves)),
		zap.Int("retryLimit", cfg.Retries()))
	ac := &appContext{
		Router:       r,
		Conn:         retry.Wrap(r, strategy),
		Strategy:     strategy,
		Config:       cfg,
		Logger:       logger,
		Registry:     registry,
		closeMetrics: closeMetrics,
	}
	ac.Sweeper = router.NewSweeper(r, &ac.mu, cfg.SweepInterval.Duration)
	return ac, nil
}

// ping runs a trivial query on the primary until it answers.
func (ac *appContext) ping(ctx context.Context) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), startupPingRetries), ctx)
	return backoff.Retry(func() error {
		ac.mu.Lock()
		defer ac.mu.Unlock()
		_, err := ac.Conn.Query(router.UsePrimary(ctx), "SELECT 1")
		return err
	}, b)
}

func (ac *appContext) Close() {
	ac.closeOnce.Do(func() {
		ac.Sweeper.Close()
		ac.mu.Lock()
		defer ac.mu.Unlock()
		if err := ac.Conn.Close(); err != nil {
			ac.Logger.Warn("close connections", zap.Error(err))
		}
		if ac.closeMetrics != nil {
			metrics.SetEmitter(nil)
			if err := ac.closeMetrics(); err != nil {
				ac.Logger.Warn("close statsd client", zap.Error(err))
			}
		}
	})
}
