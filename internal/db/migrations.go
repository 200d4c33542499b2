// ABOUTME: Database schema migrations and version management.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// migration represents a single schema migration with version, name, and SQL statements.
// Statements may use {{pk}} for the dialect's auto-increment primary key.
type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "init_accounts",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS users (
				id {{pk}},
				name TEXT NOT NULL UNIQUE,
				password_hash TEXT NOT NULL,
				first_name TEXT NOT NULL DEFAULT '',
				last_name TEXT NOT NULL DEFAULT '',
				institute TEXT NOT NULL DEFAULT '',
				mail TEXT NOT NULL DEFAULT '',
				enabled BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS groups (
				id {{pk}},
				name TEXT NOT NULL UNIQUE,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS user_groups (
				user_id BIGINT NOT NULL REFERENCES users(id),
				group_id BIGINT NOT NULL REFERENCES groups(id),
				PRIMARY KEY (user_id, group_id)
			)`,
			`CREATE TABLE IF NOT EXISTS roles (
				id {{pk}},
				name TEXT NOT NULL UNIQUE,
				description TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS group_roles (
				group_id BIGINT NOT NULL REFERENCES groups(id),
				role_id BIGINT NOT NULL REFERENCES roles(id),
				PRIMARY KEY (group_id, role_id)
			)`,
			`CREATE TABLE IF NOT EXISTS sessions (
				token_hash TEXT PRIMARY KEY,
				user_id BIGINT NOT NULL REFERENCES users(id),
				subject_user_id BIGINT NOT NULL REFERENCES users(id),
				creation BIGINT NOT NULL,
				expiry BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id)`,
		},
	},
	{
		version: 2,
		name:    "init_applications",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS applications (
				id {{pk}},
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				outcome TEXT NOT NULL DEFAULT 'JOB',
				enabled BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS application_parameters (
				app_id BIGINT NOT NULL REFERENCES applications(id),
				param_id INTEGER NOT NULL,
				name TEXT NOT NULL,
				value TEXT NOT NULL DEFAULT '',
				description TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (app_id, param_id)
			)`,
			`CREATE TABLE IF NOT EXISTS application_files (
				app_id BIGINT NOT NULL REFERENCES applications(id),
				file_id INTEGER NOT NULL,
				name TEXT NOT NULL,
				path TEXT,
				override BOOLEAN NOT NULL DEFAULT FALSE,
				PRIMARY KEY (app_id, file_id),
				UNIQUE (app_id, name)
			)`,
			`CREATE TABLE IF NOT EXISTS group_apps (
				group_id BIGINT NOT NULL REFERENCES groups(id),
				app_id BIGINT NOT NULL REFERENCES applications(id),
				PRIMARY KEY (group_id, app_id)
			)`,
			`CREATE TABLE IF NOT EXISTS infrastructures (
				id {{pk}},
				app_id BIGINT NOT NULL DEFAULT 0,
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				enabled BOOLEAN NOT NULL DEFAULT TRUE,
				is_virtual BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_infrastructures_app ON infrastructures(app_id)`,
			`CREATE TABLE IF NOT EXISTS infrastructure_parameters (
				infra_id BIGINT NOT NULL REFERENCES infrastructures(id),
				param_id INTEGER NOT NULL,
				name TEXT NOT NULL,
				value TEXT NOT NULL DEFAULT '',
				description TEXT NOT NULL DEFAULT '',
				secret BOOLEAN NOT NULL DEFAULT FALSE,
				PRIMARY KEY (infra_id, param_id)
			)`,
		},
	},
	{
		version: 3,
		name:    "init_tasks",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS tasks (
				id {{pk}},
				app_id BIGINT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				user_name TEXT NOT NULL,
				status TEXT NOT NULL,
				iosandbox TEXT NOT NULL,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_name)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
			`CREATE TABLE IF NOT EXISTS task_arguments (
				task_id BIGINT NOT NULL REFERENCES tasks(id),
				arg_id INTEGER NOT NULL,
				argument TEXT NOT NULL,
				PRIMARY KEY (task_id, arg_id)
			)`,
			`CREATE TABLE IF NOT EXISTS task_input_files (
				task_id BIGINT NOT NULL REFERENCES tasks(id),
				file_id INTEGER NOT NULL,
				name TEXT NOT NULL,
				path TEXT,
				PRIMARY KEY (task_id, file_id),
				UNIQUE (task_id, name)
			)`,
			`CREATE TABLE IF NOT EXISTS task_output_files (
				task_id BIGINT NOT NULL REFERENCES tasks(id),
				file_id INTEGER NOT NULL,
				name TEXT NOT NULL,
				path TEXT,
				PRIMARY KEY (task_id, file_id),
				UNIQUE (task_id, name)
			)`,
			`CREATE TABLE IF NOT EXISTS runtime_data (
				task_id BIGINT NOT NULL REFERENCES tasks(id),
				data_id INTEGER NOT NULL,
				name TEXT NOT NULL,
				value TEXT NOT NULL DEFAULT '',
				description TEXT NOT NULL DEFAULT '',
				proto TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				PRIMARY KEY (task_id, data_id),
				UNIQUE (task_id, name)
			)`,
			`CREATE TABLE IF NOT EXISTS queue (
				id {{pk}},
				task_id BIGINT NOT NULL REFERENCES tasks(id),
				target TEXT NOT NULL,
				action TEXT NOT NULL,
				status TEXT NOT NULL,
				target_status TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				check_ts TEXT NOT NULL,
				action_info TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_status ON queue(status, target)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_task ON queue(task_id)`,
			`CREATE TABLE IF NOT EXISTS events (
				id {{pk}},
				ts TEXT NOT NULL,
				kind TEXT NOT NULL,
				task_id BIGINT,
				msg TEXT,
				json TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id)`,
		},
	},
	{
		version: 4,
		name:    "seed_roles_and_groups",
		statements: []string{
			`INSERT INTO roles (name, description) VALUES
				('app_change', 'Create or modify applications'),
				('app_delete', 'Delete applications'),
				('app_run', 'Create tasks for applications'),
				('app_view', 'View applications'),
				('infra_change', 'Create or modify infrastructures'),
				('infra_delete', 'Delete infrastructures'),
				('infra_view', 'View infrastructures'),
				('task_change', 'Modify tasks and upload task inputs'),
				('task_delete', 'Delete tasks'),
				('task_view', 'View tasks'),
				('task_userdata', 'Publish task runtime data'),
				('user_impersonate', 'Act on behalf of any user'),
				('group_impersonate', 'Act on behalf of users sharing a group'),
				('users_change', 'Create or modify users'),
				('users_view', 'View users'),
				('groups_change', 'Create or modify groups'),
				('groups_view', 'View groups'),
				('roles_view', 'View roles')`,
			`INSERT INTO groups (name, created_at, updated_at) VALUES
				('administrator', '` + seedTimestamp + `', '` + seedTimestamp + `'),
				('users', '` + seedTimestamp + `', '` + seedTimestamp + `')`,
			`INSERT INTO group_roles (group_id, role_id)
				SELECT g.id, r.id FROM groups g, roles r WHERE g.name = 'administrator'`,
			`INSERT INTO group_roles (group_id, role_id)
				SELECT g.id, r.id FROM groups g, roles r
				WHERE g.name = 'users' AND r.name IN ('app_run', 'app_view', 'task_change', 'task_delete', 'task_view', 'task_userdata')`,
		},
	},
}

const seedTimestamp = "2026-01-01T00:00:00Z"

// Migrate applies pending migrations using SQLite syntax.
func Migrate(db *sql.DB) error {
	return migrate(db, dialectSQLite)
}

// migrate brings the schema up to date.
//
// This function:
//   - Validates migration definitions (no duplicates, ordered versions)
//   - Ensures schema_migrations table exists
//   - Loads previously applied migration versions
//   - Verifies applied migrations are still known
//   - Applies any pending migrations in transaction
func migrate(db *sql.DB, d dialect) error {
	if db == nil {
		return errors.New("db is nil")
	}
	if err := validateMigrations(); err != nil {
		return err
	}
	if err := ensureSchemaMigrations(db); err != nil {
		return err
	}
	applied, err := loadAppliedVersions(db)
	if err != nil {
		return err
	}
	if err := verifyKnownMigrations(applied); err != nil {
		return err
	}
	for _, m := range migrations {
		if _, ok := applied[m.version]; ok {
			continue
		}
		if err := applyMigration(db, d, m); err != nil {
			return err
		}
	}
	return nil
}

// ensureSchemaMigrations creates the schema_migrations tracking table if it doesn't exist.
func ensureSchemaMigrations(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// loadAppliedVersions returns a set of migration versions that have been applied.
func loadAppliedVersions(db *sql.DB) (map[int]struct{}, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("list schema_migrations: %w", err)
	}
	defer rows.Close()
	applied := make(map[int]struct{})
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}
	return applied, nil
}

// verifyKnownMigrations ensures all applied migrations still exist in the codebase.
func verifyKnownMigrations(applied map[int]struct{}) error {
	known := make(map[int]struct{}, len(migrations))
	for _, m := range migrations {
		known[m.version] = struct{}{}
	}
	for version := range applied {
		if _, ok := known[version]; !ok {
			return fmt.Errorf("unknown schema migration version %d", version)
		}
	}
	return nil
}

// applyMigration executes a single migration within a transaction and
// records it in schema_migrations before committing.
func applyMigration(db *sql.DB, d dialect, m migration) error {
	if len(m.statements) == 0 {
		return fmt.Errorf("migration %d has no statements", m.version)
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	for _, stmt := range m.statements {
		trimmed := strings.TrimSpace(stmt)
		if trimmed == "" {
			continue
		}
		if _, err := tx.Exec(d.ddl(trimmed)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %d: %w", m.version, err)
		}
	}
	appliedAt := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(d.rebind(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`), m.version, m.name, appliedAt); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, err)
	}
	return nil
}

// validateMigrations checks that all migrations are properly defined.
func validateMigrations() error {
	if len(migrations) == 0 {
		return errors.New("no migrations defined")
	}
	seen := make(map[int]struct{}, len(migrations))
	prev := 0
	for _, m := range migrations {
		if m.version <= 0 {
			return fmt.Errorf("migration version must be positive: %d", m.version)
		}
		if _, ok := seen[m.version]; ok {
			return fmt.Errorf("duplicate migration version %d", m.version)
		}
		if m.version < prev {
			return fmt.Errorf("migration version %d is out of order", m.version)
		}
		if strings.TrimSpace(m.name) == "" {
			return fmt.Errorf("migration %d missing name", m.version)
		}
		seen[m.version] = struct{}{}
		prev = m.version
	}
	return nil
}
