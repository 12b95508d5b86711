package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"

	"github.com/liamcoop/rulesadapter/internal/logger"
	"github.com/liamcoop/rulesadapter/migrations"
)

func main() {
	var databaseURL string
	var driver string
	var command string

	flag.StringVar(&databaseURL, "database", "", "Database URL, or SQLite file path with -driver sqlite")
	flag.StringVar(&driver, "driver", "postgres", "Database driver: postgres, sqlite")
	flag.StringVar(&command, "command", "up", "Migration command: up, down, version, force")
	flag.Parse()

	// Check for database URL from flag or environment
	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}

	if databaseURL == "" {
		logger.Fatal("database URL is required, use -database flag or DATABASE_URL environment variable")
	}

	// Create migration instance from the embedded schema
	var m *migrate.Migrate
	var err error
	switch driver {
	case "postgres":
		m, err = migrations.Postgres(databaseURL)
	case "sqlite":
		m, err = migrations.SQLite(databaseURL)
	default:
		logger.Fatal("unknown driver", "driver", driver)
	}
	if err != nil {
		logger.Fatal("failed to create migration instance", "error", err)
	}
	defer m.Close()

	logger.Info("connected", "driver", driver)

	// Execute command
	switch command {
	case "up":
		logger.Info("running migrations up")
		err = m.Up()
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Fatal("failed to run migrations", "error", err)
		}
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("no migrations to run, database is up to date")
		} else {
			logger.Info("migrations completed")
		}

	case "down":
		logger.Info("rolling back migrations")
		err = m.Down()
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Fatal("failed to rollback migrations", "error", err)
		}
		logger.Info("rollback completed")

	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			logger.Fatal("failed to get version", "error", err)
		}
		logger.Info("current version", "version", version, "dirty", dirty)

	case "force":
		if len(flag.Args()) < 1 {
			logger.Fatal("force command requires a version number: -command force <version>")
		}
		var version int
		if _, err := fmt.Sscanf(flag.Arg(0), "%d", &version); err != nil {
			logger.Fatal("invalid version number", "error", err)
		}
		if err := m.Force(version); err != nil {
			logger.Fatal("failed to force version", "error", err)
		}
		logger.Info("forced version", "version", version)

	default:
		logger.Fatal("unknown command, use: up, down, version, force", "command", command)
	}
}
