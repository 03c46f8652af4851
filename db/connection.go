package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/sym"
)

// Driver names accepted in [database] driver
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// SQLiteBusyTimeoutMS is how long SQLite waits on a locked database before failing.
const SQLiteBusyTimeoutMS = 5000

// Options selects and tunes the store connection.
type Options struct {
	Driver string // sqlite3 (default) or postgres
	Path   string // sqlite file path
	DSN    string // postgres connection string

	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// Open opens a SQLite database at the specified path with WAL and foreign keys.
// If logger is provided, logs database operations; otherwise operates silently.
func Open(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	if logger != nil {
		logger.Debugw("Opening database", "path", path, "symbol", sym.DB)
	}
	// Pragmas ride on the DSN so every pooled connection gets them, not just
	// the first. WAL lets dashboard readers query run history while the
	// scheduler writes.
	db, err := sql.Open(DriverSQLite, SQLiteDSN(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to open database %s", path)
	}

	if logger != nil {
		logger.Infow("Database opened",
			"path", path,
			"symbol", sym.DB,
			"wal_mode", true,
			"foreign_keys", true,
		)
	}

	return db, nil
}

// SQLiteDSN appends the connection pragmas to a sqlite path or file: URI
func SQLiteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_journal_mode=WAL&_foreign_keys=on&_busy_timeout=%d", path, sep, SQLiteBusyTimeoutMS)
}

// OpenPostgres connects to a postgres store and verifies it with a ping.
// The schema is managed outside cadence; no migrations are applied.
func OpenPostgres(ctx context.Context, dsn string, opts Options, logger *zap.SugaredLogger) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.WithHint(
			errors.New("postgres dsn is empty"),
			"set [database] dsn or CADENCE_DATABASE_DSN")
	}

	db, err := sql.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "postgres ping failed")
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if logger != nil {
		logger.Infow("Database connection established", "driver", DriverPostgres, "symbol", sym.DB)
	}
	return db, nil
}

// Connect opens the store named by opts and returns it with its dialect.
// SQLite stores are migrated; postgres stores are used as-is.
func Connect(ctx context.Context, opts Options, logger *zap.SugaredLogger) (*sql.DB, Dialect, error) {
	switch opts.Driver {
	case "", DriverSQLite:
		if opts.Path == "" {
			return nil, DialectSQLite, errors.WithHint(
				errors.New("sqlite path is empty"),
				"set [database] path or CADENCE_DATABASE_PATH")
		}
		db, err := OpenWithMigrations(opts.Path, logger)
		return db, DialectSQLite, err
	case DriverPostgres:
		db, err := OpenPostgres(ctx, opts.DSN, opts, logger)
		return db, DialectPostgres, err
	default:
		return nil, DialectSQLite, errors.NewInvalidRequestError("unsupported database driver %q", opts.Driver)
	}
}

// OpenWithMigrations opens a SQLite database and applies pending migrations.
func OpenWithMigrations(path string, logger *zap.SugaredLogger) (*sql.DB, error) {
	db, err := Open(path, logger)
	if err != nil {
		return nil, err
	}

	if err := Migrate(db, logger); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to run migrations")
	}

	return db, nil
}
