package main

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kong/dblinker/pkg/cache"
	"github.com/kong/dblinker/pkg/model"
)

// Logger is setup on startup by cmd package.
var Logger *zap.Logger
var zapConfig zap.Config

// SetupLogging configure parent logger with logLevel.
func SetupLogging(logLevel string) (*zap.Logger, error) {
	zapConfig = zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	level, err := zapcore.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	zapConfig.Level.SetLevel(level)
	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	Logger = logger
	return logger, nil
}

// SetLevel updates the level for the global logger config.
// All child loggers generated with the config are updated.
func SetLevel(level string) error {
	parsedLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("set log level: %w", err)
	}
	zapConfig.Level.SetLevel(parsedLevel)
	return nil
}

// newHealthCache returns nil for the "none" kind: replicas are then probed
// on every health check.
func newHealthCache(cfg model.CacheConfig) (cache.HealthCache, error) {
	switch cfg.Kind {
	case "", "none":
		return nil, nil
	case "memory":
		return cache.NewMemory(cfg.MemorySize), nil
	case "redis":
		return cache.NewRedis(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})), nil
	}
	return nil, fmt.Errorf("%w: unknown cache kind %q", model.ErrInvalidConfig, cfg.Kind)
}
