package db

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cadence/errors"
)

func TestOpen(t *testing.T) {
	t.Run("opens database with pragmas", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "test.db")

		db, err := Open(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		var journalMode string
		require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
		assert.Equal(t, "wal", journalMode)

		var foreignKeys int
		require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
		assert.Equal(t, 1, foreignKeys)

		var busyTimeout int
		require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
		assert.Equal(t, SQLiteBusyTimeoutMS, busyTimeout)
	})

	t.Run("creates database file if it doesn't exist", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "new.db")

		_, err := os.Stat(dbPath)
		assert.True(t, os.IsNotExist(err))

		db, err := Open(dbPath, nil)
		require.NoError(t, err)
		defer db.Close()

		_, err = os.Stat(dbPath)
		assert.NoError(t, err)
	})

	t.Run("returns error for invalid path", func(t *testing.T) {
		db, err := Open("/invalid/nonexistent/path/db.sqlite", nil)
		if err == nil && db != nil {
			err = db.Ping()
			db.Close()
		}
		assert.Error(t, err)
	})
}

func TestOpen_PragmasOnEveryPooledConnection(t *testing.T) {
	ctx := context.Background()
	db, err := Open(filepath.Join(t.TempDir(), "pool.db"), nil)
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(4)

	// Hold several connections at once so the pool has to open new ones
	var conns []*sql.Conn
	for i := 0; i < 4; i++ {
		conn, err := db.Conn(ctx)
		require.NoError(t, err)
		conns = append(conns, conn)
	}
	for i, conn := range conns {
		var foreignKeys, busyTimeout int
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&foreignKeys))
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busyTimeout))
		assert.Equal(t, 1, foreignKeys, "connection %d", i)
		assert.Equal(t, SQLiteBusyTimeoutMS, busyTimeout, "connection %d", i)
		require.NoError(t, conn.Close())
	}
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "/var/lib/cadence.db?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000",
		SQLiteDSN("/var/lib/cadence.db"))
	assert.Equal(t, "file:x?mode=memory&_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000",
		SQLiteDSN("file:x?mode=memory"))
}

func TestOpenWithMigrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cadence.db")

	db, err := OpenWithMigrations(dbPath, nil)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{
		"schema_migrations",
		"scrape_schedules",
		"scrape_logs",
		"system_notifications",
		"notification_deliveries",
		"deferred_notifications",
	} {
		var n int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "table %s should exist", table)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "twice.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(db, nil))
	require.NoError(t, Migrate(db, nil))

	var versions int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&versions))
	assert.Equal(t, 6, versions)
}

func TestActiveScheduleRequiresNextRun(t *testing.T) {
	db, err := OpenWithMigrations(filepath.Join(t.TempDir(), "check.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`INSERT INTO scrape_schedules (id, source, schedule_type, is_active, next_run_at, created_at, updated_at)
		VALUES ('s1', 'construction_wire', 'daily', 1, NULL, '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`)
	assert.Error(t, err, "active schedule without next_run_at must be rejected")
}

func TestConnect(t *testing.T) {
	ctx := context.Background()

	t.Run("sqlite default driver", func(t *testing.T) {
		db, dialect, err := Connect(ctx, Options{Path: filepath.Join(t.TempDir(), "c.db")}, nil)
		require.NoError(t, err)
		defer db.Close()
		assert.Equal(t, DialectSQLite, dialect)
	})

	t.Run("sqlite without path", func(t *testing.T) {
		_, _, err := Connect(ctx, Options{Driver: DriverSQLite}, nil)
		require.Error(t, err)
		assert.NotEmpty(t, errors.GetAllHints(err))
	})

	t.Run("postgres without dsn", func(t *testing.T) {
		_, _, err := Connect(ctx, Options{Driver: DriverPostgres}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dsn is empty")
	})

	t.Run("unknown driver", func(t *testing.T) {
		_, _, err := Connect(ctx, Options{Driver: "mysql"}, nil)
		require.Error(t, err)
		assert.True(t, errors.IsInvalidRequestError(err))
	})
}

func TestRebind(t *testing.T) {
	q := "SELECT * FROM scrape_schedules WHERE is_active = ? AND next_run_at <= ? AND name != '?'"

	assert.Equal(t, q, DialectSQLite.Rebind(q))
	assert.Equal(t,
		"SELECT * FROM scrape_schedules WHERE is_active = $1 AND next_run_at <= $2 AND name != '?'",
		DialectPostgres.Rebind(q))
}

func TestErrorClassifiers(t *testing.T) {
	assert.True(t, IsDatabaseClosed(errors.Wrap(ErrDatabaseClosed, "list due")))
	assert.True(t, IsDatabaseClosed(errors.New("sql: database is closed")))
	assert.False(t, IsDatabaseClosed(nil))

	assert.True(t, IsTransient(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.True(t, IsTransient(errors.New("dial tcp 10.0.0.1:5432: connect: connection refused")))
	assert.False(t, IsTransient(errors.New("no such table: scrape_logs")))
	assert.False(t, IsTransient(nil))
}
