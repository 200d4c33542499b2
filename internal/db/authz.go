// ABOUTME: Role, group and application grant lookups used by authorization.
package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// UserHasRoles reports whether the user's groups grant every named role.
func (s *Store) UserHasRoles(ctx context.Context, userID int64, roles []string) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	unique := uniqueNames(roles)
	if len(unique) == 0 {
		return true, nil
	}
	args := make([]any, 0, len(unique)+1)
	args = append(args, userID)
	for _, role := range unique {
		args = append(args, role)
	}
	var granted int
	err := s.q().queryRow(ctx, `SELECT COUNT(DISTINCT r.name)
		FROM user_groups ug
		JOIN group_roles gr ON gr.group_id = ug.group_id
		JOIN roles r ON r.id = gr.role_id
		WHERE ug.user_id = ? AND r.name IN (`+placeholders(len(unique))+`)`, args...).Scan(&granted)
	if err != nil {
		return false, fmt.Errorf("check roles of user %d: %w", userID, err)
	}
	return granted == len(unique), nil
}

// UsersShareGroup reports whether the user and the named user have at least
// one group in common.
func (s *Store) UsersShareGroup(ctx context.Context, userID int64, otherName string) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	var count int
	err := s.q().queryRow(ctx, `SELECT COUNT(*)
		FROM user_groups a
		JOIN user_groups b ON b.group_id = a.group_id
		JOIN users u ON u.id = b.user_id
		WHERE a.user_id = ? AND u.name = ?`, userID, otherName).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check shared groups of user %d: %w", userID, err)
	}
	return count > 0, nil
}

// GroupMateNames lists users sharing at least one group with the user,
// including the user.
func (s *Store) GroupMateNames(ctx context.Context, userID int64) ([]string, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	rows, err := s.q().query(ctx, `SELECT DISTINCT u.name
		FROM user_groups a
		JOIN user_groups b ON b.group_id = a.group_id
		JOIN users u ON u.id = b.user_id
		WHERE a.user_id = ?
		ORDER BY u.name`, userID)
	if err != nil {
		return nil, fmt.Errorf("list group mates of user %d: %w", userID, err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group mates: %w", err)
	}
	return names, nil
}

// UserCanAccessApp reports whether any of the user's groups is granted the application.
func (s *Store) UserCanAccessApp(ctx context.Context, userID, appID int64) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	var count int
	err := s.q().queryRow(ctx, `SELECT COUNT(*)
		FROM user_groups ug
		JOIN group_apps ga ON ga.group_id = ug.group_id
		WHERE ug.user_id = ? AND ga.app_id = ?`, userID, appID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check application %d access for user %d: %w", appID, userID, err)
	}
	return count > 0, nil
}

func uniqueNames(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
