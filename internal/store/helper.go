// Package store holds fixtures for tests that run against real databases.
package store

import (
	"context"
	"fmt"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kong/dblinker/pkg/dialect"
	"github.com/kong/dblinker/pkg/model"
)

const (
	testUser     = "koko"
	testPassword = "koko"
	testDatabase = "koko"
)

func containerRequest(kind dialect.Kind) (testcontainers.ContainerRequest, string, error) {
	switch kind {
	case dialect.MySQL:
		return testcontainers.ContainerRequest{
			Image:        "mysql:8.0",
			ExposedPorts: []string{"3306/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("3306/tcp"),
				wait.ForLog("ready for connections").WithOccurrence(2),
			),
			Env: map[string]string{
				"MYSQL_ROOT_PASSWORD": testPassword,
				"MYSQL_DATABASE":      testDatabase,
				"MYSQL_USER":          testUser,
				"MYSQL_PASSWORD":      testPassword,
			},
		}, "3306", nil
	case dialect.PostgreSQL:
		return testcontainers.ContainerRequest{
			Image:        "postgres:latest",
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			),
			Env: map[string]string{
				"POSTGRES_DB":       testDatabase,
				"POSTGRES_PASSWORD": testPassword,
				"POSTGRES_USER":     testUser,
			},
		}, "5432", nil
	}
	return testcontainers.ContainerRequest{}, "", fmt.Errorf("%w: %s", dialect.ErrUnknownDialect, kind)
}

// SetupTestDatabase starts a database container for kind and applies the
// fixture schema. The caller terminates the container.
func SetupTestDatabase(ctx context.Context, kind dialect.Kind) (testcontainers.Container, model.ServerConfig, error) {
	req, port, err := containerRequest(kind)
	if err != nil {
		return nil, model.ServerConfig{}, err
	}
	dbContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, model.ServerConfig{}, err
	}
	mapped, err := dbContainer.MappedPort(ctx, nat.Port(port))
	if err != nil {
		return dbContainer, model.ServerConfig{}, err
	}
	host, err := dbContainer.Host(ctx)
	if err != nil {
		return dbContainer, model.ServerConfig{}, err
	}
	cfg := model.ServerConfig{
		Host:     host,
		Port:     mapped.Int(),
		User:     testUser,
		Password: testPassword,
		DBName:   testDatabase,
	}
	if err := MigrateDb(kind, cfg); err != nil {
		return dbContainer, cfg, err
	}
	return dbContainer, cfg, nil
}

var Logger *zap.Logger

// SetupLogging configure parent logger with logLevel.
func SetupLogging(logLevel string) (*zap.Logger, error) {
	zapConfig := zap.NewDevelopmentConfig()
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
