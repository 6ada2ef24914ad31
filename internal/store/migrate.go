package store

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/kong/dblinker/pkg/dialect"
	"github.com/kong/dblinker/pkg/model"
)

//go:embed migrations
var migrations embed.FS

func migrationURL(kind dialect.Kind, cfg model.ServerConfig) (string, string, error) {
	switch kind {
	case dialect.MySQL:
		return "migrations/mysql", fmt.Sprintf("mysql://%s:%s@tcp(%s:%d)/%s?multiStatements=true",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName), nil
	case dialect.PostgreSQL:
		return "migrations/postgres", fmt.Sprintf("pgx5://%s:%s@%s:%d/%s?sslmode=disable",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName), nil
	}
	return "", "", fmt.Errorf("%w: %s", dialect.ErrUnknownDialect, kind)
}

// MigrateDb applies the fixture schema for kind.
func MigrateDb(kind dialect.Kind, cfg model.ServerConfig) error {
	dir, dbURL, err := migrationURL(kind, cfg)
	if err != nil {
		return err
	}
	src, err := iofs.New(migrations, dir)
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dbURL)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
