package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// MigrationsTable records the applied schema version.
const MigrationsTable = "kickbot_schema_migrations"

// Files follow golang-migrate naming: 000001_name.up.sql / 000001_name.down.sql.
//
//go:embed migrations/*.sql
var migrationFiles embed.FS

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}
	return m, nil
}

// Migrate brings the schema to the latest version. Running it again is a no-op.
// A dirty version (a previous run failed midway) is reported, not repaired.
func Migrate(db *sql.DB) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	if v, dirty, err := m.Version(); err == nil && dirty {
		return fmt.Errorf("schema version %d is dirty; fix it by hand and force the version", v)
	}
	switch err := m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
		slog.Debug("credential schema up to date", slog.String("component", "db_migrate"))
		return nil
	case err != nil:
		return fmt.Errorf("apply migrations: %w", err)
	}
	if v, _, err := m.Version(); err == nil {
		slog.Info("credential schema migrated", slog.Uint64("version", uint64(v)), slog.String("component", "db_migrate"))
	}
	return nil
}
