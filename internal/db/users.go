// ABOUTME: User account persistence and group membership.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fgateway/fgapiserver/internal/models"
)

const userColumns = `id, name, password_hash, first_name, last_name, institute, mail, enabled, created_at, updated_at`

// CreateUser inserts a user and returns it with the generated id.
func (s *Store) CreateUser(ctx context.Context, user models.User) (models.User, error) {
	if s == nil || s.DB == nil {
		return models.User{}, errors.New("db store is nil")
	}
	user.Name = strings.TrimSpace(user.Name)
	if user.Name == "" {
		return models.User{}, errors.New("user name is required")
	}
	if user.PasswordHash == "" {
		return models.User{}, errors.New("user password hash is required")
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = user.CreatedAt
	id, err := s.q().insertID(ctx, `INSERT INTO users (
		name, password_hash, first_name, last_name, institute, mail, enabled, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.Name, user.PasswordHash, user.FirstName, user.LastName, user.Institute, user.Mail,
		user.Enabled, formatTime(user.CreatedAt), formatTime(user.UpdatedAt))
	if err != nil {
		return models.User{}, fmt.Errorf("insert user %s: %w", user.Name, err)
	}
	user.ID = id
	return user, nil
}

// GetUser loads a user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (models.User, error) {
	if s == nil || s.DB == nil {
		return models.User{}, errors.New("db store is nil")
	}
	row := s.q().queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUserRow(row)
}

// GetUserByName loads a user by login name.
func (s *Store) GetUserByName(ctx context.Context, name string) (models.User, error) {
	if s == nil || s.DB == nil {
		return models.User{}, errors.New("db store is nil")
	}
	row := s.q().queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE name = ?`, strings.TrimSpace(name))
	return scanUserRow(row)
}

// ListUsers returns every user ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.q().query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	var out []models.User
	for rows.Next() {
		user, err := scanUserRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return out, nil
}

// SetUserEnabled toggles a user; disabled users cannot obtain or use tokens.
func (s *Store) SetUserEnabled(ctx context.Context, name string, enabled bool) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	res, err := s.q().exec(ctx, `UPDATE users SET enabled = ?, updated_at = ? WHERE name = ?`,
		enabled, formatTime(time.Now().UTC()), name)
	if err != nil {
		return fmt.Errorf("update user %s: %w", name, err)
	}
	return requireAffected(res)
}

// AddUserToGroups adds memberships by group name; existing memberships are kept.
func (s *Store) AddUserToGroups(ctx context.Context, userID int64, groups []string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if len(groups) == 0 {
		return errors.New("at least one group is required")
	}
	return s.inTx(ctx, func(q querier) error {
		for _, name := range groups {
			var groupID int64
			if err := q.queryRow(ctx, `SELECT id FROM groups WHERE name = ?`, strings.TrimSpace(name)).Scan(&groupID); err != nil {
				return fmt.Errorf("lookup group %s: %w", name, err)
			}
			if _, err := q.exec(ctx, `INSERT INTO user_groups (user_id, group_id) VALUES (?, ?)
				ON CONFLICT (user_id, group_id) DO NOTHING`, userID, groupID); err != nil {
				return fmt.Errorf("add user %d to group %s: %w", userID, name, err)
			}
		}
		return nil
	})
}

// ListUserGroups returns the groups a user belongs to.
func (s *Store) ListUserGroups(ctx context.Context, userID int64) ([]models.Group, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.q().query(ctx, `SELECT g.id, g.name, g.created_at, g.updated_at
		FROM groups g JOIN user_groups ug ON ug.group_id = g.id
		WHERE ug.user_id = ? ORDER BY g.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list groups of user %d: %w", userID, err)
	}
	return collectGroups(rows)
}

func scanUserRow(scanner interface{ Scan(dest ...any) error }) (models.User, error) {
	var user models.User
	var createdAt, updatedAt string
	if err := scanner.Scan(&user.ID, &user.Name, &user.PasswordHash, &user.FirstName, &user.LastName,
		&user.Institute, &user.Mail, &user.Enabled, &createdAt, &updatedAt); err != nil {
		return models.User{}, err
	}
	var err error
	if user.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.User{}, fmt.Errorf("parse created_at: %w", err)
	}
	if user.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.User{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return user, nil
}

// requireAffected maps an update that touched no rows to sql.ErrNoRows.
func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
