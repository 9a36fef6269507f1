package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// Migrate applies all pending migrations for the store's dialect. Running
// against an already-migrated database is a no-op; goose tracks applied
// versions in its own ledger table.
func (s *Store) Migrate(ctx context.Context) error {
	var gooseDialect, dir string
	switch s.Dialect {
	case DialectSQLite:
		gooseDialect, dir = "sqlite3", "migrations/sqlite"
	case DialectPostgres:
		gooseDialect, dir = "postgres", "migrations/postgres"
	default:
		return fmt.Errorf("store: no migrations for dialect %q", s.Dialect)
	}

	sub, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("store: migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.Dialect(gooseDialect), s.DB, sub)
	if err != nil {
		return fmt.Errorf("store: migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// MigrationVersion reports the highest applied migration version.
func (s *Store) MigrationVersion(ctx context.Context) (int64, error) {
	var gooseDialect, dir string
	switch s.Dialect {
	case DialectSQLite:
		gooseDialect, dir = "sqlite3", "migrations/sqlite"
	case DialectPostgres:
		gooseDialect, dir = "postgres", "migrations/postgres"
	default:
		return 0, fmt.Errorf("store: no migrations for dialect %q", s.Dialect)
	}
	sub, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return 0, err
	}
	provider, err := goose.NewProvider(goose.Dialect(gooseDialect), s.DB, sub)
	if err != nil {
		return 0, err
	}
	return provider.GetDBVersion(ctx)
}
