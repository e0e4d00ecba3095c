package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite3"

	_defaultTimeout = 5 * time.Second
)

//go:embed migrations
var migrations embed.FS

// DB wraps sqlx with a statement builder bound to the driver's placeholder style.
type DB struct {
	*sqlx.DB
	Builder squirrel.StatementBuilderType
	Driver  string
}

// NewDB opens either Postgres (postgres:// or postgresql:// URLs) or a SQLite file path.
func NewDB(ctx context.Context, dsn string) (*DB, error) {
	driver, source := resolve(dsn)

	if driver == DriverSQLite && source != ":memory:" {
		if dir := filepath.Dir(source); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, _defaultTimeout)
	defer cancel()

	conn, err := sqlx.ConnectContext(ctx, driver, connString(driver, source))
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}

	builder := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question)
	switch driver {
	case DriverPostgres:
		conn.SetMaxOpenConns(10)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(time.Hour)
		builder = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
	case DriverSQLite:
		// One connection: sqlite has a single writer, and :memory: databases live
		// only as long as their connection.
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
	}

	return &DB{DB: conn, Builder: builder, Driver: driver}, nil
}

func resolve(dsn string) (driver, source string) {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DriverPostgres, dsn
	}
	return DriverSQLite, strings.TrimPrefix(dsn, "sqlite://")
}

func connString(driver, source string) string {
	if driver != DriverSQLite {
		return source
	}
	params := "_busy_timeout=5000&_foreign_keys=on"
	if source != ":memory:" {
		params += "&_journal_mode=WAL"
	}
	if strings.Contains(source, "?") {
		return source + "&" + params
	}
	return source + "?" + params
}

// Migrate applies the embedded schema for the active driver.
func (d *DB) Migrate() error {
	var (
		dir string
		drv database.Driver
		err error
	)
	switch d.Driver {
	case DriverPostgres:
		dir = "migrations/postgres"
		drv, err = migratepgx.WithInstance(d.DB.DB, &migratepgx.Config{})
	case DriverSQLite:
		dir = "migrations/sqlite3"
		drv, err = migratesqlite.WithInstance(d.DB.DB, &migratesqlite.Config{})
	default:
		return fmt.Errorf("migrate: unsupported driver %q", d.Driver)
	}
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	src, err := iofs.New(migrations, dir)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// The migrator is not closed: closing it would close the shared *sql.DB.
	migrator, err := migrate.NewWithInstance("iofs", src, d.Driver, drv)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	err = migrator.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		return nil
	case err != nil:
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Healthy pings the database.
func (d *DB) Healthy(ctx context.Context) bool {
	if d == nil || d.DB == nil {
		return false
	}
	return d.PingContext(ctx) == nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
