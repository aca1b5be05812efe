// Package state persists validation requests in SQLite (default), PostgreSQL
// or MySQL.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// DB wraps a database handle with the dialect details the repository needs.
type DB struct {
	conn   *sql.DB
	driver string
	dsn    string
}

// DefaultPath returns the sqlite database location under XDG_DATA_HOME.
func DefaultPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "tavalid", "state.db")
}

// Open connects to the database. For sqlite the dsn is a file path whose
// parent directory is created, and WAL mode is enabled for concurrent reads.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = DriverSQLite
	}
	if driver == "postgresql" {
		driver = DriverPostgres
	}

	switch driver {
	case DriverSQLite:
		if dsn == "" {
			dsn = DefaultPath()
		}
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
	case DriverPostgres, DriverMySQL:
		if dsn == "" {
			return nil, fmt.Errorf("%s requires a dsn", driver)
		}
	default:
		return nil, fmt.Errorf("unsupported state driver %q", driver)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if driver == DriverSQLite {
		// A single writer avoids SQLITE_BUSY between concurrent transitions.
		conn.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", "PRAGMA foreign_keys=ON"} {
			if _, err := conn.ExecContext(ctx, pragma); err != nil {
				conn.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect to %s: %w", driver, err)
	}

	return &DB{conn: conn, driver: driver, dsn: dsn}, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Driver() string {
	return db.driver
}

// rebind rewrites ? placeholders into the driver's syntax.
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// forUpdate locks the selected row on servers that support it.
func (db *DB) forUpdate() string {
	if db.driver == DriverSQLite {
		return ""
	}
	return " FOR UPDATE"
}

type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{1, []string{
		`CREATE TABLE IF NOT EXISTS validation_requests (
	id VARCHAR(64) PRIMARY KEY,
	artifact_ref TEXT NOT NULL,
	sample_ref TEXT NOT NULL,
	sourcetype VARCHAR(255) NOT NULL DEFAULT '',
	expected_fields TEXT NOT NULL,
	previous_id VARCHAR(64) NOT NULL DEFAULT '',
	status VARCHAR(16) NOT NULL,
	stage VARCHAR(32) NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	verdict TEXT,
	diagnostic_ref TEXT,
	error_kind VARCHAR(64) NOT NULL DEFAULT '',
	error_detail TEXT,
	created_at BIGINT NOT NULL,
	started_at BIGINT,
	completed_at BIGINT,
	version BIGINT NOT NULL DEFAULT 0
)`,
		`CREATE INDEX idx_validation_requests_status ON validation_requests(status)`,
		`CREATE INDEX idx_validation_requests_created ON validation_requests(created_at)`,
	}},
}

// Migrate applies all pending schema migrations, one transaction each.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at BIGINT NOT NULL
)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := db.conn.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("apply migration v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, db.rebind("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)"), m.version, time.Now().Unix()); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// SchemaVersion reports the highest applied migration.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := db.conn.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v)
	return v, err
}
