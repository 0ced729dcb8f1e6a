// Package migration creates the database schema on startup so the service
// is usable out of the box for local and self-hosted environments.
package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/smallbiznis/creditgate/internal/config"
	creditsdomain "github.com/smallbiznis/creditgate/internal/credits/domain"
	identitydomain "github.com/smallbiznis/creditgate/internal/identity/domain"
	plandomain "github.com/smallbiznis/creditgate/internal/plan/domain"
	usagedomain "github.com/smallbiznis/creditgate/internal/usageevent/domain"
	"gorm.io/gorm"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

const migrationsDir = "migrations"

// models is used for AutoMigrate on dialects the SQL migrations do not
// target, and for dropping tables on Reset.
var models = []any{
	&creditsdomain.CreditBalance{},
	&creditsdomain.CreditLedgerEntry{},
	&usagedomain.UsageEvent{},
	&plandomain.UserPlan{},
	&identitydomain.APIKey{},
}

// Run applies the schema. Postgres uses the versioned SQL migrations;
// other dialects fall back to AutoMigrate.
func Run(conn *gorm.DB, cfg config.Config) error {
	if cfg.DBType == "postgres" {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return runSQLMigrations(sqlDB)
	}
	return conn.AutoMigrate(models...)
}

func runSQLMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// Reset drops every application table and re-applies the schema. Guarded
// behind NUKE_ENABLED; intended for throwaway demo environments only.
func Reset(conn *gorm.DB, cfg config.Config) error {
	tables := make([]any, 0, len(models)+1)
	tables = append(tables, models...)
	tables = append(tables, "schema_migrations")
	if err := conn.Migrator().DropTable(tables...); err != nil {
		return fmt.Errorf("drop tables: %w", err)
	}
	return Run(conn, cfg)
}
