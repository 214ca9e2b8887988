package researchx

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies all pending migrations. An up-to-date schema is not an
// error.
func (s *SQLStore) Migrate(ctx context.Context) error {
	m, release, err := s.migrator(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// MigrateDown rolls back steps migrations (default: 1).
func (s *SQLStore) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	m, release, err := s.migrator(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rollback migrations: %w", err)
	}
	return nil
}

// MigrationVersion returns the applied schema version. Zero means no
// migration has run.
func (s *SQLStore) MigrationVersion(ctx context.Context) (version uint, dirty bool, err error) {
	m, release, err := s.migrator(ctx)
	if err != nil {
		return 0, false, err
	}
	defer release()

	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get migration version: %w", err)
	}
	return version, dirty, nil
}

// migrator builds a migrate instance on the store's own pool. release frees
// what the instance holds but leaves the pool open.
func (s *SQLStore) migrator(ctx context.Context) (*migrate.Migrate, func(), error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, nil, fmt.Errorf("open migrations: %w", err)
	}

	var (
		name    = s.db.DriverName()
		driver  database.Driver
		release = func() { _ = src.Close() }
	)
	switch name {
	case "sqlite":
		// Closing this driver would close the pool, so it is left open.
		driver, err = sqlite.WithInstance(s.db.DB, &sqlite.Config{})
	case "postgres":
		conn, cerr := s.db.Conn(ctx)
		if cerr != nil {
			err = cerr
			break
		}
		pg, perr := postgres.WithConnection(ctx, conn, &postgres.Config{})
		if perr != nil {
			_ = conn.Close()
			err = perr
			break
		}
		driver = pg
		release = func() {
			_ = src.Close()
			_ = pg.Close()
		}
	default:
		err = fmt.Errorf("no migration driver for %q", name)
	}
	if err != nil {
		_ = src.Close()
		return nil, nil, fmt.Errorf("create %s migration driver: %w", name, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, name, driver)
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return m, release, nil
}
