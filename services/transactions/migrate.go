package main

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// newMigrator abre uma conexão dedicada às migrações; Close do migrator a encerra
func newMigrator(dsn string) (*migrate.Migrate, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open migration connection: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{SchemaName: "public"})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

// runMigrations aplica todas as migrações pendentes
func runMigrations(dsn string, logger *zap.Logger) error {
	m, err := newMigrator(dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	return finishMigration(m.Up(), logger)
}

// rollbackMigrations desfaz as últimas migrações; steps <= 0 desfaz todas
func rollbackMigrations(dsn string, steps int, logger *zap.Logger) error {
	m, err := newMigrator(dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if steps <= 0 {
		return finishMigration(m.Down(), logger)
	}
	return finishMigration(m.Steps(-steps), logger)
}

func finishMigration(err error, logger *zap.Logger) error {
	if err == nil {
		logger.Info("✅ [MIGRATE] migrations applied")
		return nil
	}
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("ℹ️ [MIGRATE] no new migrations found, skipping")
		return nil
	}

	var dirtyErr migrate.ErrDirty
	if errors.As(err, &dirtyErr) {
		return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
	}
	return fmt.Errorf("migration failed: %w", err)
}
