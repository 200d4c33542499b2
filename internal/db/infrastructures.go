// ABOUTME: Infrastructure records and their parameters.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fgateway/fgapiserver/internal/models"
)

const infraColumns = `id, app_id, name, description, enabled, is_virtual, created_at`

// CreateInfrastructure inserts an infrastructure owned by appID
// (models.UnassignedAppID for a standalone one).
func (s *Store) CreateInfrastructure(ctx context.Context, appID int64, def models.NewInfrastructure) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	if err := def.Validate(); err != nil {
		return 0, err
	}
	var id int64
	err := s.inTx(ctx, func(q querier) error {
		var err error
		id, err = insertInfrastructure(ctx, q, appID, def, formatTime(time.Now().UTC()))
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetInfrastructure loads an infrastructure with its parameters.
func (s *Store) GetInfrastructure(ctx context.Context, id int64) (models.Infrastructure, error) {
	if s == nil || s.DB == nil {
		return models.Infrastructure{}, errors.New("db store is nil")
	}
	q := s.q()
	infra, err := scanInfraRow(q.queryRow(ctx, `SELECT `+infraColumns+` FROM infrastructures WHERE id = ?`, id))
	if err != nil {
		return models.Infrastructure{}, err
	}
	infra.Parameters, err = listInfraParameters(ctx, q, id)
	if err != nil {
		return models.Infrastructure{}, err
	}
	return infra, nil
}

// ListInfrastructures returns the infrastructures owned by appID.
func (s *Store) ListInfrastructures(ctx context.Context, appID int64) ([]models.Infrastructure, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	return listInfrastructures(ctx, s.q(), appID)
}

// CountEnabledInfrastructures counts enabled infrastructures of an application.
func (s *Store) CountEnabledInfrastructures(ctx context.Context, appID int64) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	var count int
	err := s.q().queryRow(ctx, `SELECT COUNT(*) FROM infrastructures WHERE app_id = ? AND enabled = ?`,
		appID, true).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count infrastructures of application %d: %w", appID, err)
	}
	return count, nil
}

// SetInfrastructureEnabled enables or disables an infrastructure.
func (s *Store) SetInfrastructureEnabled(ctx context.Context, id int64, enabled bool) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	res, err := s.q().exec(ctx, `UPDATE infrastructures SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return fmt.Errorf("update infrastructure %d: %w", id, err)
	}
	return requireAffected(res)
}

// DeleteInfrastructure removes an infrastructure and its parameters.
func (s *Store) DeleteInfrastructure(ctx context.Context, id int64) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	return s.inTx(ctx, func(q querier) error {
		if _, err := q.exec(ctx, `DELETE FROM infrastructure_parameters WHERE infra_id = ?`, id); err != nil {
			return fmt.Errorf("delete infrastructure %d parameters: %w", id, err)
		}
		res, err := q.exec(ctx, `DELETE FROM infrastructures WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete infrastructure %d: %w", id, err)
		}
		return requireAffected(res)
	})
}

func insertInfrastructure(ctx context.Context, q querier, appID int64, def models.NewInfrastructure, now string) (int64, error) {
	id, err := q.insertID(ctx, `INSERT INTO infrastructures (app_id, name, description, enabled, is_virtual, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, appID, def.Name, def.Description, def.Enabled, def.Virtual, now)
	if err != nil {
		return 0, fmt.Errorf("insert infrastructure %s: %w", def.Name, err)
	}
	for i, p := range def.Parameters {
		if _, err := q.exec(ctx, `INSERT INTO infrastructure_parameters (infra_id, param_id, name, value, description, secret)
			VALUES (?, ?, ?, ?, ?, ?)`, id, i+1, p.Name, p.Value, p.Description, p.Secret); err != nil {
			return 0, fmt.Errorf("insert infrastructure parameter %s: %w", p.Name, err)
		}
	}
	return id, nil
}

func cloneInfrastructure(ctx context.Context, q querier, sourceID, appID int64, now string) (int64, error) {
	src, err := scanInfraRow(q.queryRow(ctx, `SELECT `+infraColumns+` FROM infrastructures WHERE id = ?`, sourceID))
	if err != nil {
		return 0, fmt.Errorf("lookup infrastructure %d: %w", sourceID, err)
	}
	id, err := q.insertID(ctx, `INSERT INTO infrastructures (app_id, name, description, enabled, is_virtual, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, appID, src.Name, src.Description, src.Enabled, src.Virtual, now)
	if err != nil {
		return 0, fmt.Errorf("clone infrastructure %d: %w", sourceID, err)
	}
	if _, err := q.exec(ctx, `INSERT INTO infrastructure_parameters (infra_id, param_id, name, value, description, secret)
		SELECT CAST(? AS BIGINT), param_id, name, value, description, secret FROM infrastructure_parameters WHERE infra_id = ?`,
		id, sourceID); err != nil {
		return 0, fmt.Errorf("clone infrastructure %d parameters: %w", sourceID, err)
	}
	return id, nil
}

func listInfrastructures(ctx context.Context, q querier, appID int64) ([]models.Infrastructure, error) {
	rows, err := q.query(ctx, `SELECT `+infraColumns+` FROM infrastructures WHERE app_id = ? ORDER BY id`, appID)
	if err != nil {
		return nil, fmt.Errorf("list infrastructures of application %d: %w", appID, err)
	}
	var out []models.Infrastructure
	for rows.Next() {
		infra, err := scanInfraRow(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, infra)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate infrastructures: %w", err)
	}
	rows.Close()
	for i := range out {
		params, err := listInfraParameters(ctx, q, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Parameters = params
	}
	return out, nil
}

func listInfraParameters(ctx context.Context, q querier, infraID int64) ([]models.InfraParameter, error) {
	rows, err := q.query(ctx, `SELECT name, value, description, secret FROM infrastructure_parameters
		WHERE infra_id = ? ORDER BY param_id`, infraID)
	if err != nil {
		return nil, fmt.Errorf("list parameters of infrastructure %d: %w", infraID, err)
	}
	defer rows.Close()
	var out []models.InfraParameter
	for rows.Next() {
		var p models.InfraParameter
		if err := rows.Scan(&p.Name, &p.Value, &p.Description, &p.Secret); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate infrastructure parameters: %w", err)
	}
	return out, nil
}

func scanInfraRow(scanner interface{ Scan(dest ...any) error }) (models.Infrastructure, error) {
	var infra models.Infrastructure
	var createdAt string
	if err := scanner.Scan(&infra.ID, &infra.AppID, &infra.Name, &infra.Description, &infra.Enabled, &infra.Virtual, &createdAt); err != nil {
		return models.Infrastructure{}, err
	}
	var err error
	if infra.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Infrastructure{}, fmt.Errorf("parse created_at: %w", err)
	}
	return infra, nil
}
