// ABOUTME: Executor queue entries written by the API server and consumed by the executor.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/fgateway/fgapiserver/internal/models"
)

// QueueFilter narrows ListQueueEntries; zero values match everything.
type QueueFilter struct {
	TaskID int64
	Status models.QueueStatus
	Limit  int
}

// ListQueueEntries returns queue entries in insertion order.
func (s *Store) ListQueueEntries(ctx context.Context, filter QueueFilter) ([]models.QueueEntry, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	var clauses []string
	var args []any
	if filter.TaskID > 0 {
		clauses = append(clauses, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	query := `SELECT id, task_id, target, action, status, target_status, created_at, updated_at, check_ts, action_info FROM queue`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := s.q().query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()
	var out []models.QueueEntry
	for rows.Next() {
		entry, err := scanQueueRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue: %w", err)
	}
	return out, nil
}

func insertQueueEntry(ctx context.Context, q querier, entry models.QueueEntry) (int64, error) {
	if entry.Target == "" {
		return 0, errors.New("queue target is required")
	}
	if entry.Action == "" {
		return 0, errors.New("queue action is required")
	}
	id, err := q.insertID(ctx, `INSERT INTO queue (
		task_id, target, action, status, target_status, created_at, updated_at, check_ts, action_info
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.TaskID, entry.Target, entry.Action, entry.Status, nullIfEmpty(string(entry.TargetStatus)),
		formatTime(entry.CreatedAt), formatTime(entry.UpdatedAt), formatTime(entry.CheckTS), entry.ActionInfo)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s for task %d: %w", entry.Action, entry.TaskID, err)
	}
	return id, nil
}

func scanQueueRow(scanner interface{ Scan(dest ...any) error }) (models.QueueEntry, error) {
	var entry models.QueueEntry
	var action, status string
	var targetStatus sql.NullString
	var createdAt, updatedAt, checkTS string
	if err := scanner.Scan(&entry.ID, &entry.TaskID, &entry.Target, &action, &status, &targetStatus,
		&createdAt, &updatedAt, &checkTS, &entry.ActionInfo); err != nil {
		return models.QueueEntry{}, err
	}
	entry.Action = models.QueueAction(action)
	entry.Status = models.QueueStatus(status)
	entry.TargetStatus = models.TaskStatus(stringOrEmpty(targetStatus))
	var err error
	if entry.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.QueueEntry{}, fmt.Errorf("parse created_at: %w", err)
	}
	if entry.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.QueueEntry{}, fmt.Errorf("parse updated_at: %w", err)
	}
	if entry.CheckTS, err = parseTime(checkTS); err != nil {
		return models.QueueEntry{}, fmt.Errorf("parse check_ts: %w", err)
	}
	return entry, nil
}
