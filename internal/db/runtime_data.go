// ABOUTME: Task runtime data published by the executor or the task owner.
package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fgateway/fgapiserver/internal/models"
)

// UpsertRuntimeData inserts or updates runtime data entries by name.
func (s *Store) UpsertRuntimeData(ctx context.Context, taskID int64, data []models.RuntimeData) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if len(data) == 0 {
		return errors.New("runtime data is required")
	}
	now := formatTime(time.Now().UTC())
	return s.inTx(ctx, func(q querier) error {
		var exists int64
		if err := q.queryRow(ctx, `SELECT id FROM tasks WHERE id = ? AND `+archivedFilter, taskID).Scan(&exists); err != nil {
			return err
		}
		for _, d := range data {
			name := strings.TrimSpace(d.Name)
			if name == "" {
				return errors.New("runtime data name is required")
			}
			_, err := q.exec(ctx, `INSERT INTO runtime_data (task_id, data_id, name, value, description, proto, created_at, updated_at)
				VALUES (?, (SELECT COALESCE(MAX(data_id), 0) + 1 FROM runtime_data WHERE task_id = ?), ?, ?, ?, ?, ?, ?)
				ON CONFLICT (task_id, name) DO UPDATE SET
					value = excluded.value,
					description = excluded.description,
					proto = excluded.proto,
					updated_at = excluded.updated_at`,
				taskID, taskID, name, d.Value, d.Description, d.Proto, now, now)
			if err != nil {
				return fmt.Errorf("upsert runtime data %s of task %d: %w", name, taskID, err)
			}
		}
		return touchTask(ctx, q, taskID)
	})
}

func listRuntimeData(ctx context.Context, q querier, taskID int64) ([]models.RuntimeData, error) {
	rows, err := q.query(ctx, `SELECT name, value, description, proto, created_at, updated_at
		FROM runtime_data WHERE task_id = ? ORDER BY data_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list runtime data of task %d: %w", taskID, err)
	}
	defer rows.Close()
	var out []models.RuntimeData
	for rows.Next() {
		var d models.RuntimeData
		var createdAt, updatedAt string
		if err := rows.Scan(&d.Name, &d.Value, &d.Description, &d.Proto, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if d.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runtime data: %w", err)
	}
	return out, nil
}
