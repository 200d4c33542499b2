// ABOUTME: Groups, roles and the grant tables linking them to users and applications.
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

// CreateGroup inserts a group by name.
func (s *Store) CreateGroup(ctx context.Context, name string) (models.Group, error) {
	if s == nil || s.DB == nil {
		return models.Group{}, errors.New("db store is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Group{}, errors.New("group name is required")
	}
	now := time.Now().UTC()
	id, err := s.q().insertID(ctx, `INSERT INTO groups (name, created_at, updated_at) VALUES (?, ?, ?)`,
		name, formatTime(now), formatTime(now))
	if err != nil {
		return models.Group{}, fmt.Errorf("insert group %s: %w", name, err)
	}
	return models.Group{ID: id, Name: name, CreatedAt: now, UpdatedAt: now}, nil
}

// GetGroupByName loads a group by name.
func (s *Store) GetGroupByName(ctx context.Context, name string) (models.Group, error) {
	if s == nil || s.DB == nil {
		return models.Group{}, errors.New("db store is nil")
	}
	row := s.q().queryRow(ctx, `SELECT id, name, created_at, updated_at FROM groups WHERE name = ?`, strings.TrimSpace(name))
	return scanGroupRow(row)
}

// ListGroups returns every group ordered by id.
func (s *Store) ListGroups(ctx context.Context) ([]models.Group, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.q().query(ctx, `SELECT id, name, created_at, updated_at FROM groups ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return collectGroups(rows)
}

// ListRoles returns every role ordered by id.
func (s *Store) ListRoles(ctx context.Context) ([]models.Role, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.q().query(ctx, `SELECT id, name, description FROM roles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	return collectRoles(rows)
}

// ListGroupRoles returns the roles granted to a group.
func (s *Store) ListGroupRoles(ctx context.Context, groupID int64) ([]models.Role, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.q().query(ctx, `SELECT r.id, r.name, r.description
		FROM roles r JOIN group_roles gr ON gr.role_id = r.id
		WHERE gr.group_id = ? ORDER BY r.id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list roles of group %d: %w", groupID, err)
	}
	return collectRoles(rows)
}

// GrantGroupRoles grants roles (by name) to a group.
func (s *Store) GrantGroupRoles(ctx context.Context, groupID int64, roles []string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if len(roles) == 0 {
		return errors.New("at least one role is required")
	}
	return s.inTx(ctx, func(q querier) error {
		for _, name := range roles {
			var roleID int64
			if err := q.queryRow(ctx, `SELECT id FROM roles WHERE name = ?`, strings.TrimSpace(name)).Scan(&roleID); err != nil {
				return fmt.Errorf("lookup role %s: %w", name, err)
			}
			if _, err := q.exec(ctx, `INSERT INTO group_roles (group_id, role_id) VALUES (?, ?)
				ON CONFLICT (group_id, role_id) DO NOTHING`, groupID, roleID); err != nil {
				return fmt.Errorf("grant role %s: %w", name, err)
			}
		}
		return nil
	})
}

// GrantGroupApps lets members of a group run the given applications.
func (s *Store) GrantGroupApps(ctx context.Context, groupID int64, appIDs []int64) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if len(appIDs) == 0 {
		return errors.New("at least one application is required")
	}
	return s.inTx(ctx, func(q querier) error {
		for _, appID := range appIDs {
			var exists int64
			if err := q.queryRow(ctx, `SELECT id FROM applications WHERE id = ?`, appID).Scan(&exists); err != nil {
				return fmt.Errorf("lookup application %d: %w", appID, err)
			}
			if _, err := q.exec(ctx, `INSERT INTO group_apps (group_id, app_id) VALUES (?, ?)
				ON CONFLICT (group_id, app_id) DO NOTHING`, groupID, appID); err != nil {
				return fmt.Errorf("grant application %d: %w", appID, err)
			}
		}
		return nil
	})
}

// ListGroupApps returns the ids of applications granted to a group.
func (s *Store) ListGroupApps(ctx context.Context, groupID int64) ([]int64, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.q().query(ctx, `SELECT app_id FROM group_apps WHERE group_id = ? ORDER BY app_id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list applications of group %d: %w", groupID, err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group applications: %w", err)
	}
	return out, nil
}

func collectGroups(rows *sql.Rows) ([]models.Group, error) {
	defer rows.Close()
	var out []models.Group
	for rows.Next() {
		group, err := scanGroupRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, group)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return out, nil
}

func collectRoles(rows *sql.Rows) ([]models.Role, error) {
	defer rows.Close()
	var out []models.Role
	for rows.Next() {
		var role models.Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description); err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return out, nil
}

func scanGroupRow(scanner interface{ Scan(dest ...any) error }) (models.Group, error) {
	var group models.Group
	var createdAt, updatedAt string
	if err := scanner.Scan(&group.ID, &group.Name, &createdAt, &updatedAt); err != nil {
		return models.Group{}, err
	}
	var err error
	if group.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Group{}, fmt.Errorf("parse created_at: %w", err)
	}
	if group.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Group{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return group, nil
}
