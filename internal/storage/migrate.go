package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	logx "finrecur/pkg/logx"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationsFS embed.FS

// migrateUp applies every pending "up" migration for the dialect.
//
// The migrate instance is not closed: its database driver owns db and
// closing it would close the pool handed back to the caller.
func migrateUp(db *sql.DB, dialect Dialect, log logx.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations/"+string(dialect))
	if err != nil {
		return fmt.Errorf("migrations source: %w", err)
	}
	defer func() { _ = src.Close() }()

	var drv database.Driver
	switch dialect {
	case DialectSQLite:
		drv, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	case DialectPostgres:
		drv, err = migratepgx.WithInstance(db, &migratepgx.Config{})
	default:
		return fmt.Errorf("no migrations for dialect %q", dialect)
	}
	if err != nil {
		return fmt.Errorf("migrations driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(dialect), drv)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		log.Debug("schema up to date", logx.String("dialect", string(dialect)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	v, dirty, _ := m.Version()
	log.Info("schema migrated", logx.String("dialect", string(dialect)), logx.Int64("version", int64(v)), logx.Bool("dirty", dirty))
	return nil
}
