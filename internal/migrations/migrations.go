// Package migrations carries the schema fixtures used only to stand
// up a piwheels_api surface for this repository's own integration
// tests (internal/store's real deployment schema is owned by an
// external database-init tool per spec §1). Applied with
// golang-migrate/migrate's embedded-source driver.
package migrations

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed fixtures/*.sql
var fixtures embed.FS

// Apply runs every up migration against dsn (a "postgres://" URL, not
// the keyword/value form internal/store.Open also accepts), for use by
// integration tests that need a live schema. It is never called from
// cmd/buildmaster.
func Apply(dsn string) error {
	m, err := newMigrator(dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations: up: %w", err)
	}
	return nil
}

// Reset tears down and reapplies the fixture schema, used between
// integration test runs that need a clean database.
func Reset(dsn string) error {
	m, err := newMigrator(dsn)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("migrations: down: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations: up: %w", err)
	}
	return nil
}

func newMigrator(dsn string) (*migrate.Migrate, error) {
	src, err := iofs.New(fixtures, "fixtures")
	if err != nil {
		return nil, fmt.Errorf("migrations: embedded source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return nil, fmt.Errorf("migrations: new migrator: %w", err)
	}
	return m, nil
}
