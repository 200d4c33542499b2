// Package db provides relational persistence for fgapiserver.
//
// This package handles all database operations including:
//   - Connection management for SQLite (default) and PostgreSQL
//   - Schema migrations and seeded roles/groups
//   - Users, groups, roles and session tokens
//   - Applications, infrastructures and their parameters
//   - Tasks, their files, runtime data and the executor queue
//
// Queries are written once with ? placeholders and rebound for PostgreSQL.
// Multi-statement mutations run inside a single transaction.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	dataDirPerms = 0o750 // Permissions for database directory (owner full, group read+exec)
)

// Store holds the database handle used by every fgapiserver component.
//
// Example usage:
//
//	store, err := db.Open("/var/lib/fgapiserver/fgapiserver.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	task, err := store.GetTask(ctx, 42)
type Store struct {
	Path    string
	DB      *sql.DB
	dialect dialect
}

// Open connects to SQLite, applies pragmas, and runs migrations.
//
// SQLite is limited to a single open connection with WAL enabled, so writers
// serialize inside the driver instead of failing with SQLITE_BUSY.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("db path is required")
	}
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	if err := applyPragmas(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if err := migrate(conn, dialectSQLite); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Store{Path: path, DB: conn, dialect: dialectSQLite}, nil
}

// OpenPostgres connects to PostgreSQL through lib/pq and runs migrations.
func OpenPostgres(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("db dsn is required")
	}
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	conn.SetMaxOpenConns(16)
	conn.SetMaxIdleConns(4)
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrate(conn, dialectPostgres); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Store{Path: redactDSN(dsn), DB: conn, dialect: dialectPostgres}, nil
}

// OpenDriver opens the store selected by the db_driver setting.
func OpenDriver(driver, pathOrDSN string) (*Store, error) {
	switch driver {
	case "", "sqlite":
		return Open(pathOrDSN)
	case "postgres":
		return OpenPostgres(pathOrDSN)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}
}

// Close releases the underlying database connection.
//
// It is safe to call Close on a nil Store or a Store with a nil DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Ping checks connectivity; used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	return s.DB.PingContext(ctx)
}

// Driver names the SQL dialect in use.
func (s *Store) Driver() string {
	return s.dialect.String()
}

func ensureDir(path string) error {
	if path == "" {
		return errors.New("db directory is required")
	}
	if err := os.MkdirAll(path, dataDirPerms); err != nil {
		return fmt.Errorf("create db dir %s: %w", path, err)
	}
	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

// IsUniqueViolation reports whether err is a unique constraint failure from
// either driver.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func redactDSN(dsn string) string {
	if at := strings.LastIndex(dsn, "@"); at >= 0 {
		if scheme := strings.Index(dsn, "://"); scheme >= 0 && scheme < at {
			return dsn[:scheme+3] + "***" + dsn[at:]
		}
	}
	return "postgres"
}
