// Package db is the SQLite persistence backend. It works with either the
// cgo driver registered as "sqlite3" or the pure Go driver registered as
// "sqlite".
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/livinlefevreloca/herald/tools/migrator"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Supported driver names.
const (
	DriverCgo  = "sqlite3"
	DriverPure = "sqlite"
)

// DB wraps sql.DB with additional context
type DB struct {
	*sql.DB
	driver string
}

// Tx wraps sql.Tx with additional context
type Tx struct {
	*sql.Tx
	db *DB
}

// Config holds database connection configuration
type Config struct {
	Driver          string        `toml:"driver" yaml:"driver" env:"HERALD_DB_DRIVER" validate:"oneof=memory sqlite3 sqlite mongo"`
	DSN             string        `toml:"dsn" yaml:"dsn" env:"HERALD_DB_DSN"`
	MaxOpenConns    int           `toml:"max_open_conns" yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `toml:"max_idle_conns" yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `toml:"conn_max_idle_time" yaml:"conn_max_idle_time"`
	BusyTimeout     time.Duration `toml:"busy_timeout" yaml:"busy_timeout"`
	MigrationsDir   string        `toml:"migrations_dir" yaml:"migrations_dir"`
	SkipMigrations  bool          `toml:"skip_migrations" yaml:"skip_migrations" env:"HERALD_DB_SKIP_MIGRATIONS"`
}

// Standard errors
var (
	ErrNotFound   = errors.New("db: not found")
	ErrDuplicate  = errors.New("db: duplicate key")
	ErrForeignKey = errors.New("db: foreign key violation")
)

// Open creates a new database connection
func Open(driver, dsn string) (*DB, error) {
	if driver != DriverCgo && driver != DriverPure {
		return nil, fmt.Errorf("db: unknown driver %q", driver)
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	// Each connection to an in-memory database sees its own empty database.
	if isMemoryDSN(dsn) {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	pragmas := []string{"PRAGMA foreign_keys = ON"}
	if !isMemoryDSN(dsn) {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	return &DB{
		DB:     sqlDB,
		driver: driver,
	}, nil
}

// OpenWithConfig creates a connection with custom configuration
func OpenWithConfig(config Config) (*DB, error) {
	db, err := Open(config.Driver, withPragmas(config.Driver, config.DSN, config.BusyTimeout))
	if err != nil {
		return nil, err
	}

	if isMemoryDSN(config.DSN) {
		return db, nil
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	}

	return db, nil
}

// withPragmas adds per-connection settings to a file DSN. PRAGMA statements
// executed after Open only reach one pooled connection.
func withPragmas(driver, dsn string, busyTimeout time.Duration) string {
	if isMemoryDSN(dsn) {
		return dsn
	}

	var params []string
	switch driver {
	case DriverCgo:
		params = append(params, "_foreign_keys=on")
		if busyTimeout > 0 {
			params = append(params, fmt.Sprintf("_busy_timeout=%d", busyTimeout.Milliseconds()))
		}
	case DriverPure:
		params = append(params, "_pragma=foreign_keys(1)")
		if busyTimeout > 0 {
			params = append(params, fmt.Sprintf("_pragma=busy_timeout(%d)", busyTimeout.Milliseconds()))
		}
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

func isMemoryDSN(dsn string) bool {
	return dsn == "" || dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

// Driver returns the database driver name
func (db *DB) Driver() string {
	return db.driver
}

// Migrate brings the schema up to date, from dir when it is set and from
// the migrations compiled into the binary otherwise.
func (db *DB) Migrate(ctx context.Context, dir string, logger zerolog.Logger) error {
	var runner *migrator.Runner
	if dir != "" {
		runner = migrator.New(db.DB, os.DirFS(dir), ".", logger)
	} else {
		runner = migrator.New(db.DB, migrations, "migrations", logger)
	}
	return runner.Run(ctx)
}

// Begin starts a new transaction
func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	return &Tx{
		Tx: tx,
		db: db,
	}, nil
}

// WithTransaction executes a function within a transaction
// Automatically commits on success, rolls back on error
func (db *DB) WithTransaction(ctx context.Context, fn func(*Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}

	// Make sure we make a best effort to rollback on panic
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// Error classification functions

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

// IsDuplicate checks if error is a duplicate key error
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicate) {
		return true
	}

	// Both drivers report the SQLite message text.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsForeignKey checks if error is a foreign key error
func IsForeignKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrForeignKey) {
		return true
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
