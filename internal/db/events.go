// ABOUTME: Audit trail of task lifecycle events.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Event struct {
	ID        int64
	Timestamp time.Time
	Kind      string
	TaskID    *int64
	Message   string
	JSON      string
}

// RecordEvent inserts an event row.
func (s *Store) RecordEvent(ctx context.Context, kind string, taskID *int64, msg string, jsonPayload string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if kind == "" {
		return errors.New("event kind is required")
	}
	var task sql.NullInt64
	if taskID != nil && *taskID > 0 {
		task = sql.NullInt64{Valid: true, Int64: *taskID}
	}
	_, err := s.q().exec(ctx, `INSERT INTO events (ts, kind, task_id, msg, json) VALUES (?, ?, ?, ?, ?)`,
		formatTime(time.Now().UTC()), kind, task, nullIfEmpty(msg), nullIfEmpty(jsonPayload))
	if err != nil {
		return fmt.Errorf("insert event %q: %w", kind, err)
	}
	return nil
}

// ListEventsByTask returns events of a task with id greater than afterID.
func (s *Store) ListEventsByTask(ctx context.Context, taskID int64, afterID int64, limit int) ([]Event, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if taskID <= 0 {
		return nil, errors.New("task id must be positive")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := s.q().query(ctx, `SELECT id, ts, kind, task_id, msg, json
		FROM events WHERE task_id = ? AND id > ? ORDER BY id ASC LIMIT ?`, taskID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func scanEventRow(scanner interface{ Scan(dest ...any) error }) (Event, error) {
	var ev Event
	var ts string
	var task sql.NullInt64
	var msg, payload sql.NullString
	if err := scanner.Scan(&ev.ID, &ts, &ev.Kind, &task, &msg, &payload); err != nil {
		return Event{}, err
	}
	parsed, err := parseTime(ts)
	if err != nil {
		return Event{}, fmt.Errorf("parse event ts: %w", err)
	}
	ev.Timestamp = parsed
	if task.Valid {
		value := task.Int64
		ev.TaskID = &value
	}
	ev.Message = stringOrEmpty(msg)
	ev.JSON = stringOrEmpty(payload)
	return ev, nil
}
