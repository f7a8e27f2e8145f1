package db

import (
	"errors"
	"fmt"
	"io/fs"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// MigrateUp applies every pending migration in migrationsFS. A schema that
// is already current is not an error.
func (db *DB) MigrateUp(migrationsFS fs.FS) error {
	return db.withMigrator(migrationsFS, "up", func(m *migrate.Migrate) error {
		return m.Up()
	})
}

// MigrateDown reverts the newest applied migration.
func (db *DB) MigrateDown(migrationsFS fs.FS) error {
	return db.withMigrator(migrationsFS, "down", func(m *migrate.Migrate) error {
		return m.Steps(-1)
	})
}

// MigrateVersion reports the applied schema version. A database with no
// migrations yet reports version 0.
func (db *DB) MigrateVersion(migrationsFS fs.FS) (version uint, dirty bool, err error) {
	err = db.withMigrator(migrationsFS, "version", func(m *migrate.Migrate) error {
		var verr error
		version, dirty, verr = m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			version, dirty = 0, false
			return nil
		}
		return verr
	})
	return version, dirty, err
}

// withMigrator runs fn against a migrator bound to this handle. The
// migrator is never closed: closing it would close db.DB.
func (db *DB) withMigrator(migrationsFS fs.FS, op string, fn func(*migrate.Migrate) error) error {
	src, err := iofs.New(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("migrate %s: open source: %w", op, err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("migrate %s: sqlite driver: %w", op, err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migrate %s: %w", op, err)
	}
	m.Log = migrateLogger{}

	if err := fn(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: %w", op, err)
	}
	return nil
}

// migrateLogger routes golang-migrate output through the standard logger.
type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) { log.Printf("[migrate] "+format, v...) }
func (migrateLogger) Verbose() bool                          { return false }
