// ABOUTME: Application records with their ordered parameters, files and infrastructures.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fgateway/fgapiserver/internal/models"
)

// CreateApplication inserts an application with its parameters, declared
// files and infrastructures in one transaction and returns the new id.
//
// NewInfrastructure entries are inserted as owned by the application.
// ExistingInfrastructure entries are cloned, parameters included, so the
// referenced row is left untouched.
func (s *Store) CreateApplication(ctx context.Context, req models.ApplicationCreate) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	if err := req.Validate(); err != nil {
		return 0, err
	}
	outcome := req.Outcome
	if outcome == "" {
		outcome = "JOB"
	}
	now := formatTime(time.Now().UTC())
	var appID int64
	err := s.inTx(ctx, func(q querier) error {
		var err error
		appID, err = q.insertID(ctx, `INSERT INTO applications (name, description, outcome, enabled, created_at)
			VALUES (?, ?, ?, ?, ?)`, req.Name, req.Description, outcome, req.Enabled, now)
		if err != nil {
			return fmt.Errorf("insert application %s: %w", req.Name, err)
		}
		for i, p := range req.Parameters {
			if _, err := q.exec(ctx, `INSERT INTO application_parameters (app_id, param_id, name, value, description)
				VALUES (?, ?, ?, ?, ?)`, appID, i+1, p.Name, p.Value, p.Description); err != nil {
				return fmt.Errorf("insert application parameter %s: %w", p.Name, err)
			}
		}
		for i, f := range req.Files {
			if _, err := q.exec(ctx, `INSERT INTO application_files (app_id, file_id, name, path, override)
				VALUES (?, ?, ?, ?, ?)`, appID, i+1, f.Name, nullIfEmpty(f.Path), f.Override); err != nil {
				return fmt.Errorf("insert application file %s: %w", f.Name, err)
			}
		}
		for _, spec := range req.Infrastructures {
			switch v := spec.(type) {
			case models.NewInfrastructure:
				if _, err := insertInfrastructure(ctx, q, appID, v, now); err != nil {
					return err
				}
			case models.ExistingInfrastructure:
				if _, err := cloneInfrastructure(ctx, q, v.ID, appID, now); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return appID, nil
}

// GetApplication loads an application with parameters, files and infrastructures.
func (s *Store) GetApplication(ctx context.Context, id int64) (models.Application, error) {
	if s == nil || s.DB == nil {
		return models.Application{}, errors.New("db store is nil")
	}
	q := s.q()
	row := q.queryRow(ctx, `SELECT id, name, description, outcome, enabled, created_at FROM applications WHERE id = ?`, id)
	app, err := scanApplicationRow(row)
	if err != nil {
		return models.Application{}, err
	}
	if err := loadApplicationChildren(ctx, q, &app); err != nil {
		return models.Application{}, err
	}
	return app, nil
}

// ListApplications returns applications ordered by id. When userID is
// positive only applications granted to one of the user's groups are listed.
func (s *Store) ListApplications(ctx context.Context, userID int64) ([]models.Application, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	q := s.q()
	var rows *sql.Rows
	var err error
	if userID > 0 {
		rows, err = q.query(ctx, `SELECT DISTINCT a.id, a.name, a.description, a.outcome, a.enabled, a.created_at
			FROM applications a
			JOIN group_apps ga ON ga.app_id = a.id
			JOIN user_groups ug ON ug.group_id = ga.group_id
			WHERE ug.user_id = ? ORDER BY a.id`, userID)
	} else {
		rows, err = q.query(ctx, `SELECT id, name, description, outcome, enabled, created_at FROM applications ORDER BY id`)
	}
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	var apps []models.Application
	for rows.Next() {
		app, err := scanApplicationRow(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		apps = append(apps, app)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate applications: %w", err)
	}
	rows.Close()
	for i := range apps {
		if err := loadApplicationChildren(ctx, q, &apps[i]); err != nil {
			return nil, err
		}
	}
	return apps, nil
}

// SetApplicationEnabled enables or disables task submission for an application.
func (s *Store) SetApplicationEnabled(ctx context.Context, id int64, enabled bool) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	res, err := s.q().exec(ctx, `UPDATE applications SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return fmt.Errorf("update application %d: %w", id, err)
	}
	return requireAffected(res)
}

// SetApplicationFilePath records where a declared application file was stored.
func (s *Store) SetApplicationFilePath(ctx context.Context, appID int64, name, path string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	res, err := s.q().exec(ctx, `UPDATE application_files SET path = ? WHERE app_id = ? AND name = ?`,
		nullIfEmpty(path), appID, name)
	if err != nil {
		return fmt.Errorf("update application %d file %s: %w", appID, name, err)
	}
	return requireAffected(res)
}

// IsOverriddenSandbox reports whether every file declared by the application
// overrides the user's input, so a task needs nothing from the client. An
// application without declared files counts as overridden.
func (s *Store) IsOverriddenSandbox(ctx context.Context, appID int64) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	var pending int
	err := s.q().queryRow(ctx, `SELECT COUNT(*) FROM application_files WHERE app_id = ? AND override = ?`,
		appID, false).Scan(&pending)
	if err != nil {
		return false, fmt.Errorf("count non-overriding files of application %d: %w", appID, err)
	}
	return pending == 0, nil
}

// DeleteApplication physically removes an application and everything it
// owns: infrastructure parameters, infrastructures, files, parameters and
// group grants. Tasks referencing the application are kept.
func (s *Store) DeleteApplication(ctx context.Context, id int64) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	return s.inTx(ctx, func(q querier) error {
		steps := []struct {
			what  string
			query string
		}{
			{"infrastructure parameters", `DELETE FROM infrastructure_parameters
				WHERE infra_id IN (SELECT id FROM infrastructures WHERE app_id = ?)`},
			{"infrastructures", `DELETE FROM infrastructures WHERE app_id = ?`},
			{"files", `DELETE FROM application_files WHERE app_id = ?`},
			{"parameters", `DELETE FROM application_parameters WHERE app_id = ?`},
			{"group grants", `DELETE FROM group_apps WHERE app_id = ?`},
		}
		for _, step := range steps {
			if _, err := q.exec(ctx, step.query, id); err != nil {
				return fmt.Errorf("delete application %d %s: %w", id, step.what, err)
			}
		}
		res, err := q.exec(ctx, `DELETE FROM applications WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete application %d: %w", id, err)
		}
		return requireAffected(res)
	})
}

func loadApplicationChildren(ctx context.Context, q querier, app *models.Application) error {
	params, err := q.query(ctx, `SELECT name, value, description FROM application_parameters
		WHERE app_id = ? ORDER BY param_id`, app.ID)
	if err != nil {
		return fmt.Errorf("list parameters of application %d: %w", app.ID, err)
	}
	for params.Next() {
		var p models.Parameter
		if err := params.Scan(&p.Name, &p.Value, &p.Description); err != nil {
			params.Close()
			return err
		}
		app.Parameters = append(app.Parameters, p)
	}
	if err := params.Err(); err != nil {
		params.Close()
		return fmt.Errorf("iterate application parameters: %w", err)
	}
	params.Close()

	files, err := q.query(ctx, `SELECT name, path, override FROM application_files
		WHERE app_id = ? ORDER BY file_id`, app.ID)
	if err != nil {
		return fmt.Errorf("list files of application %d: %w", app.ID, err)
	}
	for files.Next() {
		var f models.AppFile
		var path sql.NullString
		if err := files.Scan(&f.Name, &path, &f.Override); err != nil {
			files.Close()
			return err
		}
		f.Path = stringOrEmpty(path)
		app.Files = append(app.Files, f)
	}
	if err := files.Err(); err != nil {
		files.Close()
		return fmt.Errorf("iterate application files: %w", err)
	}
	files.Close()

	infras, err := listInfrastructures(ctx, q, app.ID)
	if err != nil {
		return err
	}
	app.Infrastructures = infras
	return nil
}

func scanApplicationRow(scanner interface{ Scan(dest ...any) error }) (models.Application, error) {
	var app models.Application
	var createdAt string
	if err := scanner.Scan(&app.ID, &app.Name, &app.Description, &app.Outcome, &app.Enabled, &createdAt); err != nil {
		return models.Application{}, err
	}
	var err error
	if app.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Application{}, fmt.Errorf("parse created_at: %w", err)
	}
	return app, nil
}
