package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/ahrav/scanwatch/db"
	"github.com/ahrav/scanwatch/pkg/common/logger"
)

// MigrationResult reports the schema version after Migrate.
type MigrationResult struct {
	Version uint `json:"version" yaml:"version"`
	Dirty   bool `json:"dirty" yaml:"dirty"`
	Changed bool `json:"changed" yaml:"changed"`
}

// Migrate applies every pending migration embedded in db.Migrations. It
// stops after the current migration when ctx is cancelled.
func Migrate(ctx context.Context, pool *pgxpool.Pool, log *logger.Logger) (MigrationResult, error) {
	src, err := iofs.New(db.Migrations, "migrations")
	if err != nil {
		return MigrationResult{}, fmt.Errorf("open embedded migrations: %w", err)
	}

	// golang-migrate needs a database/sql handle.
	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()

	driver, err := pgxmigrate.WithInstance(sqlDB, &pgxmigrate.Config{})
	if err != nil {
		return MigrationResult{}, fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return MigrationResult{}, fmt.Errorf("create migrator: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			m.GracefulStop <- true
		case <-done:
		}
	}()

	var res MigrationResult
	switch err := m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
	case err != nil:
		return res, fmt.Errorf("apply migrations: %w", err)
	default:
		res.Changed = true
	}

	res.Version, res.Dirty, err = m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return res, fmt.Errorf("read migration version: %w", err)
	}
	log.Info(ctx, "database migrations applied", "version", res.Version, "dirty", res.Dirty, "changed", res.Changed)
	return res, nil
}
