// ABOUTME: Task rows, their arguments and files, and the submit/cancel transitions.
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

// ErrTaskNotWaiting is returned when a submission finds the task already
// moved past WAITING.
var ErrTaskNotWaiting = errors.New("task is not in WAITING status")

const taskColumns = `id, app_id, description, user_name, status, iosandbox, created_at, updated_at`

// archivedFilter hides soft-deleted tasks from every read.
const archivedFilter = `status NOT IN ('CANCELLED', 'PURGED')`

// TaskFilter narrows ListTasks. A nil Users slice means every user.
type TaskFilter struct {
	Users  []string
	AppID  int64
	Status models.TaskStatus
}

// CreateTask inserts a task with its ordered arguments, input files and
// output files in one transaction and returns the new id.
func (s *Store) CreateTask(ctx context.Context, task models.Task) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	if task.AppID <= 0 {
		return 0, errors.New("task application id is required")
	}
	if strings.TrimSpace(task.User) == "" {
		return 0, errors.New("task user is required")
	}
	if task.Status == "" {
		return 0, errors.New("task status is required")
	}
	if task.Sandbox == "" {
		return 0, errors.New("task sandbox is required")
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	var id int64
	err := s.inTx(ctx, func(q querier) error {
		var err error
		id, err = q.insertID(ctx, `INSERT INTO tasks (app_id, description, user_name, status, iosandbox, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			task.AppID, task.Description, task.User, task.Status, task.Sandbox,
			formatTime(task.CreatedAt), formatTime(task.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		for i, arg := range task.Arguments {
			if _, err := q.exec(ctx, `INSERT INTO task_arguments (task_id, arg_id, argument) VALUES (?, ?, ?)`,
				id, i+1, arg); err != nil {
				return fmt.Errorf("insert task %d argument %d: %w", id, i+1, err)
			}
		}
		for i, f := range task.InputFiles {
			if _, err := q.exec(ctx, `INSERT INTO task_input_files (task_id, file_id, name, path) VALUES (?, ?, ?, ?)`,
				id, i+1, f.Name, nullIfEmpty(f.Path)); err != nil {
				return fmt.Errorf("insert task %d input %s: %w", id, f.Name, err)
			}
		}
		for i, f := range task.OutputFiles {
			if _, err := q.exec(ctx, `INSERT INTO task_output_files (task_id, file_id, name, path) VALUES (?, ?, ?, ?)`,
				id, i+1, f.Name, nullIfEmpty(f.Path)); err != nil {
				return fmt.Errorf("insert task %d output %s: %w", id, f.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetTask loads a live task with its children. CANCELLED and PURGED tasks
// return sql.ErrNoRows.
func (s *Store) GetTask(ctx context.Context, id int64) (models.Task, error) {
	if s == nil || s.DB == nil {
		return models.Task{}, errors.New("db store is nil")
	}
	q := s.q()
	task, err := scanTaskRow(q.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ? AND `+archivedFilter, id))
	if err != nil {
		return models.Task{}, err
	}
	if err := loadTaskChildren(ctx, q, &task); err != nil {
		return models.Task{}, err
	}
	return task, nil
}

// ListTasks returns live tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]models.Task, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if filter.Users != nil && len(filter.Users) == 0 {
		return nil, nil
	}
	clauses := []string{archivedFilter}
	var args []any
	if filter.Users != nil {
		clauses = append(clauses, `user_name IN (`+placeholders(len(filter.Users))+`)`)
		for _, u := range filter.Users {
			args = append(args, u)
		}
	}
	if filter.AppID > 0 {
		clauses = append(clauses, `app_id = ?`)
		args = append(args, filter.AppID)
	}
	if filter.Status != "" {
		clauses = append(clauses, `status = ?`)
		args = append(args, filter.Status)
	}
	q := s.q()
	rows, err := q.query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+strings.Join(clauses, " AND ")+` ORDER BY id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	var out []models.Task
	for rows.Next() {
		task, err := scanTaskRow(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	rows.Close()
	for i := range out {
		if err := loadTaskChildren(ctx, q, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// IsInputSandboxReady reports whether every input file of the task has a
// path. It is a pure read and safe to call repeatedly.
func (s *Store) IsInputSandboxReady(ctx context.Context, taskID int64) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("db store is nil")
	}
	var pending int
	err := s.q().queryRow(ctx, `SELECT COUNT(*) FROM task_input_files
		WHERE task_id = ? AND (path IS NULL OR path = '')`, taskID).Scan(&pending)
	if err != nil {
		return false, fmt.Errorf("count pending inputs of task %d: %w", taskID, err)
	}
	return pending == 0, nil
}

// SetTaskInputPath records the stored location of an uploaded input file.
// Unknown names return sql.ErrNoRows.
func (s *Store) SetTaskInputPath(ctx context.Context, taskID int64, name, path string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	err := s.inTx(ctx, func(q querier) error {
		res, err := q.exec(ctx, `UPDATE task_input_files SET path = ? WHERE task_id = ? AND name = ?`,
			nullIfEmpty(path), taskID, name)
		if err != nil {
			return fmt.Errorf("update task %d input %s: %w", taskID, name, err)
		}
		if err := requireAffected(res); err != nil {
			return err
		}
		return touchTask(ctx, q, taskID)
	})
	return err
}

// SubmitTask moves a WAITING task to SUBMIT and enqueues a SUBMIT request for
// the executor in one transaction. The status update is conditional on
// WAITING, so concurrent submissions of the same task enqueue exactly once;
// the loser gets ErrTaskNotWaiting.
func (s *Store) SubmitTask(ctx context.Context, taskID int64, target, actionInfo string) (models.QueueEntry, error) {
	if s == nil || s.DB == nil {
		return models.QueueEntry{}, errors.New("db store is nil")
	}
	if strings.TrimSpace(target) == "" {
		return models.QueueEntry{}, errors.New("executor target is required")
	}
	now := time.Now().UTC()
	entry := models.QueueEntry{
		TaskID:     taskID,
		Target:     target,
		Action:     models.QueueSubmit,
		Status:     models.QueueQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
		CheckTS:    now,
		ActionInfo: actionInfo,
	}
	err := s.inTx(ctx, func(q querier) error {
		res, err := q.exec(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			models.TaskSubmit, formatTime(now), taskID, models.TaskWaiting)
		if err != nil {
			return fmt.Errorf("update task %d status: %w", taskID, err)
		}
		if err := requireAffected(res); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotWaiting
			}
			return err
		}
		entry.ID, err = insertQueueEntry(ctx, q, entry)
		return err
	})
	if err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

// CancelTask soft-deletes a task: it enqueues a CLEAN request and sets the
// status to CANCELLED in one transaction. The row and its children are kept.
func (s *Store) CancelTask(ctx context.Context, taskID int64, target string) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	now := time.Now().UTC()
	return s.inTx(ctx, func(q querier) error {
		var sandbox string
		if err := q.queryRow(ctx, `SELECT iosandbox FROM tasks WHERE id = ? AND `+archivedFilter, taskID).Scan(&sandbox); err != nil {
			return err
		}
		if _, err := insertQueueEntry(ctx, q, models.QueueEntry{
			TaskID:     taskID,
			Target:     target,
			Action:     models.QueueClean,
			Status:     models.QueueQueued,
			CreatedAt:  now,
			UpdatedAt:  now,
			CheckTS:    now,
			ActionInfo: sandbox,
		}); err != nil {
			return err
		}
		res, err := q.exec(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
			models.TaskCancelled, formatTime(now), taskID)
		if err != nil {
			return fmt.Errorf("cancel task %d: %w", taskID, err)
		}
		return requireAffected(res)
	})
}

// RequestTaskStatus enqueues a STATUSCH request; the executor applies it.
func (s *Store) RequestTaskStatus(ctx context.Context, taskID int64, target string, status models.TaskStatus) (models.QueueEntry, error) {
	if s == nil || s.DB == nil {
		return models.QueueEntry{}, errors.New("db store is nil")
	}
	now := time.Now().UTC()
	entry := models.QueueEntry{
		TaskID:       taskID,
		Target:       target,
		Action:       models.QueueStatusChange,
		Status:       models.QueueQueued,
		TargetStatus: status,
		CreatedAt:    now,
		UpdatedAt:    now,
		CheckTS:      now,
	}
	err := s.inTx(ctx, func(q querier) error {
		if err := q.queryRow(ctx, `SELECT iosandbox FROM tasks WHERE id = ? AND `+archivedFilter, taskID).Scan(&entry.ActionInfo); err != nil {
			return err
		}
		var err error
		entry.ID, err = insertQueueEntry(ctx, q, entry)
		return err
	})
	if err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func touchTask(ctx context.Context, q querier, taskID int64) error {
	if _, err := q.exec(ctx, `UPDATE tasks SET updated_at = ? WHERE id = ?`, formatTime(time.Now().UTC()), taskID); err != nil {
		return fmt.Errorf("touch task %d: %w", taskID, err)
	}
	return nil
}

func loadTaskChildren(ctx context.Context, q querier, task *models.Task) error {
	args, err := q.query(ctx, `SELECT argument FROM task_arguments WHERE task_id = ? ORDER BY arg_id`, task.ID)
	if err != nil {
		return fmt.Errorf("list arguments of task %d: %w", task.ID, err)
	}
	for args.Next() {
		var arg string
		if err := args.Scan(&arg); err != nil {
			args.Close()
			return err
		}
		task.Arguments = append(task.Arguments, arg)
	}
	if err := args.Err(); err != nil {
		args.Close()
		return fmt.Errorf("iterate task arguments: %w", err)
	}
	args.Close()

	if task.InputFiles, err = listTaskFiles(ctx, q, "task_input_files", task.ID); err != nil {
		return err
	}
	if task.OutputFiles, err = listTaskFiles(ctx, q, "task_output_files", task.ID); err != nil {
		return err
	}
	if task.RuntimeData, err = listRuntimeData(ctx, q, task.ID); err != nil {
		return err
	}
	return nil
}

func listTaskFiles(ctx context.Context, q querier, table string, taskID int64) ([]models.TaskFile, error) {
	rows, err := q.query(ctx, `SELECT name, path FROM `+table+` WHERE task_id = ? ORDER BY file_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list %s of task %d: %w", table, taskID, err)
	}
	defer rows.Close()
	var out []models.TaskFile
	for rows.Next() {
		var f models.TaskFile
		var path sql.NullString
		if err := rows.Scan(&f.Name, &path); err != nil {
			return nil, err
		}
		f.Path = stringOrEmpty(path)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return out, nil
}

func scanTaskRow(scanner interface{ Scan(dest ...any) error }) (models.Task, error) {
	var task models.Task
	var status, createdAt, updatedAt string
	if err := scanner.Scan(&task.ID, &task.AppID, &task.Description, &task.User, &status, &task.Sandbox, &createdAt, &updatedAt); err != nil {
		return models.Task{}, err
	}
	if status == "" {
		return models.Task{}, errors.New("task status missing")
	}
	task.Status = models.TaskStatus(status)
	var err error
	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Task{}, fmt.Errorf("parse created_at: %w", err)
	}
	if task.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Task{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return task, nil
}
