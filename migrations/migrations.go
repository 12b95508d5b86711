// Package migrations embeds the SQL schemas of the Postgres and SQLite
// backends and applies them with golang-migrate.
package migrations

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed postgres/*.sql
var postgresFS embed.FS

//go:embed sqlite/*.sql
var sqliteFS embed.FS

// Postgres returns a migration instance for a postgres:// database URL.
func Postgres(databaseURL string) (*migrate.Migrate, error) {
	return newMigrate(postgresFS, "postgres", databaseURL)
}

// SQLite returns a migration instance for the SQLite file at path.
func SQLite(path string) (*migrate.Migrate, error) {
	return newMigrate(sqliteFS, "sqlite", "sqlite://"+path)
}

// UpPostgres applies every pending Postgres migration.
func UpPostgres(databaseURL string) error {
	m, err := Postgres(databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()
	return up(m)
}

// UpSQLite applies every pending SQLite migration.
func UpSQLite(path string) error {
	m, err := SQLite(path)
	if err != nil {
		return err
	}
	defer m.Close()
	return up(m)
}

func newMigrate(fsys embed.FS, dir, databaseURL string) (*migrate.Migrate, error) {
	src, err := iofs.New(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

func up(m *migrate.Migrate) error {
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
