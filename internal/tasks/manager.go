// Package tasks implements the task lifecycle: creation with input file
// merging, sandbox readiness, submission to the executor queue, uploads,
// status change requests and soft deletion.
//
// The store owns every state transition; this package decides when a
// transition is allowed and keeps the sandbox directory in step with it.
package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fgateway/fgapiserver/internal/db"
	"github.com/fgateway/fgapiserver/internal/metrics"
	"github.com/fgateway/fgapiserver/internal/models"
	"github.com/fgateway/fgapiserver/internal/sandbox"
	"github.com/fgateway/fgapiserver/internal/secrets"
)

var (
	ErrInvalidRequest   = errors.New("invalid task request")
	ErrSandbox          = errors.New("sandbox error")
	ErrTaskNotFound     = errors.New("task not found")
	ErrAppNotFound      = errors.New("application not found")
	ErrNoInfrastructure = errors.New("no enabled infrastructure")
	ErrNotWaiting       = db.ErrTaskNotWaiting
	ErrAppDisabled      = errors.New("application is disabled")
	ErrUnknownInput     = errors.New("input file not declared for task")
	ErrInvalidStatus    = errors.New("invalid target status")
)

// Manager coordinates the store, the sandbox directories and the executor
// queue for task operations.
type Manager struct {
	store     *db.Store
	sandboxes *sandbox.Manager
	vault     *secrets.Vault
	target    string
	maxUpload int64
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// Options configures a Manager.
type Options struct {
	// ExecutorTarget is recorded on every queue entry.
	ExecutorTarget string
	// MaxUploadBytes caps a single input file; zero disables the cap.
	MaxUploadBytes int64
	Vault          *secrets.Vault
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
}

func NewManager(store *db.Store, sandboxes *sandbox.Manager, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:     store,
		sandboxes: sandboxes,
		vault:     opts.Vault,
		target:    opts.ExecutorTarget,
		maxUpload: opts.MaxUploadBytes,
		metrics:   opts.Metrics,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// InitTask creates a task for req and returns it reloaded from the store.
//
// When every input is already in place and the application overrides all
// of its files the task is submitted right away. If that submission fails
// the task is still returned, in WAITING, together with the error.
func (m *Manager) InitTask(ctx context.Context, req models.TaskRequest) (models.Task, error) {
	if err := req.Validate(); err != nil {
		return models.Task{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := checkInputNames(req.InputFiles); err != nil {
		return models.Task{}, err
	}
	dir, err := m.sandboxes.Allocate()
	if err != nil {
		return models.Task{}, fmt.Errorf("%w: %v", ErrSandbox, err)
	}
	app, err := m.store.GetApplication(ctx, req.AppID)
	if err != nil {
		_ = os.RemoveAll(dir)
		if errors.Is(err, sql.ErrNoRows) {
			return models.Task{}, fmt.Errorf("%w: %d", ErrAppNotFound, req.AppID)
		}
		return models.Task{}, err
	}

	inputs := MergeInputFiles(app.Files, req.InputFiles)
	for i, f := range inputs {
		if f.Path == "" {
			continue
		}
		copied, err := sandbox.CopyFile(dir, f.Name, f.Path)
		if err != nil {
			_ = os.RemoveAll(dir)
			return models.Task{}, fmt.Errorf("%w: %v", ErrSandbox, err)
		}
		inputs[i].Path = copied
	}

	task := models.Task{
		AppID:       app.ID,
		Description: req.Description,
		User:        req.User,
		Status:      models.TaskWaiting,
		Sandbox:     dir,
		CreatedAt:   m.now(),
		Arguments:   req.Arguments,
		InputFiles:  inputs,
		OutputFiles: OutputFiles(app, req.OutputFiles),
	}
	id, err := m.store.CreateTask(ctx, task)
	if err != nil {
		_ = os.RemoveAll(dir)
		return models.Task{}, err
	}
	m.metrics.IncTaskStatus(models.TaskWaiting)
	m.recordEvent(ctx, "task.created", id, fmt.Sprintf("task created for application %d", app.ID), nil)
	m.logger.Info("task created",
		zap.Int64("task_id", id),
		zap.Int64("app_id", app.ID),
		zap.String("user", req.User),
		zap.String("iosandbox", dir))

	ready, err := m.store.IsInputSandboxReady(ctx, id)
	if err != nil {
		return m.reload(ctx, id, err)
	}
	overridden, err := m.store.IsOverriddenSandbox(ctx, app.ID)
	if err != nil {
		return m.reload(ctx, id, err)
	}
	if ready && overridden {
		if _, err := m.SubmitTask(ctx, id); err != nil {
			return m.reload(ctx, id, err)
		}
	}
	return m.reload(ctx, id, nil)
}

func (m *Manager) reload(ctx context.Context, id int64, cause error) (models.Task, error) {
	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		return models.Task{ID: id}, errors.Join(cause, err)
	}
	return task, cause
}

// SubmitTask hands a WAITING task to the executor. The checks run in a
// fixed order and the first failure is returned with the status untouched.
func (m *Manager) SubmitTask(ctx context.Context, taskID int64) (entry models.QueueEntry, err error) {
	start := m.now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "failed"
		}
		m.metrics.ObserveSubmit(result, m.now().Sub(start))
	}()

	task, err := m.getTask(ctx, taskID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	app, err := m.store.GetApplication(ctx, task.AppID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.QueueEntry{}, fmt.Errorf("%w: %d", ErrAppNotFound, task.AppID)
		}
		return models.QueueEntry{}, err
	}
	if enabledInfrastructures(app) == 0 {
		return models.QueueEntry{}, fmt.Errorf("%w for application %d", ErrNoInfrastructure, app.ID)
	}
	if task.Status != models.TaskWaiting {
		return models.QueueEntry{}, fmt.Errorf("task %d is %s: %w", task.ID, task.Status, ErrNotWaiting)
	}
	if !app.Enabled {
		return models.QueueEntry{}, fmt.Errorf("application %q (id %d) is disabled: %w", app.Name, app.ID, ErrAppDisabled)
	}
	enabled, err := m.store.CountEnabledInfrastructures(ctx, app.ID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if enabled == 0 {
		return models.QueueEntry{}, fmt.Errorf("%w for application %d", ErrNoInfrastructure, app.ID)
	}

	task.Status = models.TaskSubmit
	snap, err := BuildSnapshot(task, app, m.vault, m.now())
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("%w: %v", ErrSandbox, err)
	}
	path := SnapshotPath(task)
	if err := sandbox.WriteJSON(path, snap); err != nil {
		return models.QueueEntry{}, fmt.Errorf("%w: %v", ErrSandbox, err)
	}
	entry, err = m.store.SubmitTask(ctx, task.ID, m.target, task.Sandbox)
	if err != nil {
		// A concurrent submission won the transition and owns the snapshot.
		if errors.Is(err, db.ErrTaskNotWaiting) {
			return models.QueueEntry{}, fmt.Errorf("task %d: %w", task.ID, ErrNotWaiting)
		}
		if rmErr := sandbox.Remove(path); rmErr != nil {
			m.logger.Warn("remove snapshot after failed submit", zap.Int64("task_id", task.ID), zap.Error(rmErr))
		}
		return models.QueueEntry{}, err
	}
	m.metrics.IncTaskStatus(models.TaskSubmit)
	m.metrics.IncQueueAction(models.QueueSubmit)
	m.recordEvent(ctx, "task.submitted", task.ID, "task submitted to "+m.target, map[string]any{"queue_id": entry.ID})
	m.logger.Info("task submitted",
		zap.Int64("task_id", task.ID),
		zap.Int64("queue_id", entry.ID),
		zap.String("target", m.target))
	return entry, nil
}

// SaveInput stores one uploaded input file in the task sandbox and records
// its path. Only names declared on the task are accepted, and only while the
// task is WAITING.
func (m *Manager) SaveInput(ctx context.Context, taskID int64, name string, body io.Reader) (sandbox.SavedFile, error) {
	task, err := m.getTask(ctx, taskID)
	if err != nil {
		return sandbox.SavedFile{}, err
	}
	if task.Status != models.TaskWaiting {
		return sandbox.SavedFile{}, fmt.Errorf("%w: task %d is %s", ErrNotWaiting, task.ID, task.Status)
	}
	clean, err := sandbox.SanitizeName(name)
	if err != nil {
		return sandbox.SavedFile{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !hasInput(task, clean) {
		return sandbox.SavedFile{}, fmt.Errorf("%w: %s", ErrUnknownInput, clean)
	}
	saved, err := sandbox.Save(task.Sandbox, clean, body, m.maxUpload)
	if err != nil {
		if errors.Is(err, sandbox.ErrTooLarge) {
			return sandbox.SavedFile{}, err
		}
		return sandbox.SavedFile{}, fmt.Errorf("%w: %v", ErrSandbox, err)
	}
	if err := m.store.SetTaskInputPath(ctx, task.ID, clean, saved.Path); err != nil {
		return sandbox.SavedFile{}, err
	}
	m.metrics.AddUploadBytes("task", saved.Size)
	m.logger.Debug("task input saved",
		zap.Int64("task_id", task.ID),
		zap.String("name", clean),
		zap.Int64("bytes", saved.Size))
	return saved, nil
}

// TriggerIfReady submits the task once all inputs are present. It reports
// whether a submission happened.
func (m *Manager) TriggerIfReady(ctx context.Context, taskID int64) (bool, error) {
	ready, err := m.store.IsInputSandboxReady(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !ready {
		return false, nil
	}
	if _, err := m.SubmitTask(ctx, taskID); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteTask archives a task and asks the executor to clean it up.
func (m *Manager) DeleteTask(ctx context.Context, taskID int64) error {
	if err := m.store.CancelTask(ctx, taskID, m.target); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
		}
		return err
	}
	m.metrics.IncTaskStatus(models.TaskCancelled)
	m.metrics.IncQueueAction(models.QueueClean)
	m.recordEvent(ctx, "task.cancelled", taskID, "task deleted", nil)
	m.logger.Info("task cancelled", zap.Int64("task_id", taskID))
	return nil
}

// RequestStatus enqueues a status change for the executor to apply.
// WAITING and SUBMIT belong to this server and cannot be requested.
func (m *Manager) RequestStatus(ctx context.Context, taskID int64, value string) (models.QueueEntry, error) {
	status, err := models.ParseTaskStatus(value)
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("%w: %v", ErrInvalidStatus, err)
	}
	if status == models.TaskWaiting || status == models.TaskSubmit {
		return models.QueueEntry{}, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}
	entry, err := m.store.RequestTaskStatus(ctx, taskID, m.target, status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.QueueEntry{}, fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
		}
		return models.QueueEntry{}, err
	}
	m.metrics.IncQueueAction(models.QueueStatusChange)
	m.recordEvent(ctx, "task.status_requested", taskID, "status change requested: "+string(status), map[string]any{"queue_id": entry.ID})
	return entry, nil
}

// SetRuntimeData upserts runtime data entries by name.
func (m *Manager) SetRuntimeData(ctx context.Context, taskID int64, data []models.RuntimeData) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: runtime data is required", ErrInvalidRequest)
	}
	for i, rd := range data {
		if strings.TrimSpace(rd.Name) == "" {
			return fmt.Errorf("%w: runtime data %d: name is required", ErrInvalidRequest, i)
		}
	}
	if err := m.store.UpsertRuntimeData(ctx, taskID, data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
		}
		return err
	}
	return nil
}

// GetTask returns a live task.
func (m *Manager) GetTask(ctx context.Context, taskID int64) (models.Task, error) {
	return m.getTask(ctx, taskID)
}

func (m *Manager) getTask(ctx context.Context, taskID int64) (models.Task, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Task{}, fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
		}
		return models.Task{}, err
	}
	return task, nil
}

func (m *Manager) recordEvent(ctx context.Context, kind string, taskID int64, msg string, payload map[string]any) {
	var data string
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			data = string(raw)
		}
	}
	if err := m.store.RecordEvent(ctx, kind, &taskID, msg, data); err != nil {
		m.logger.Warn("record task event", zap.String("kind", kind), zap.Int64("task_id", taskID), zap.Error(err))
	}
}

func enabledInfrastructures(app models.Application) int {
	n := 0
	for _, infra := range app.Infrastructures {
		if infra.Enabled {
			n++
		}
	}
	return n
}

// checkInputNames rejects input names that uploads could never match
// because the sandbox stores files under their base name only.
func checkInputNames(files []models.TaskFile) error {
	for _, f := range files {
		name := strings.TrimSpace(f.Name)
		clean, err := sandbox.SanitizeName(name)
		if err != nil {
			return fmt.Errorf("%w: input file %q: %v", ErrInvalidRequest, f.Name, err)
		}
		if clean != name {
			return fmt.Errorf("%w: input file %q must be a plain file name", ErrInvalidRequest, f.Name)
		}
	}
	return nil
}

func hasInput(task models.Task, name string) bool {
	for _, f := range task.InputFiles {
		if f.Name == name {
			return true
		}
	}
	return false
}
