// Package models provides the domain records shared by the store, the task
// lifecycle manager and the HTTP layer.
//
// The records are plain structs without serialization tags; the REST
// representation lives in the server package and the executor hand-off
// representation in the tasks package.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TaskStatus is the lifecycle state of a task.
//
//	WAITING → SUBMIT → SUBMITTED → RUNNING → (DONE|ABORTED)
//
// CANCELLED and PURGED are terminal soft-delete states: the row is kept but
// excluded from every listing and lookup.
type TaskStatus string

const (
	TaskWaiting   TaskStatus = "WAITING"
	TaskSubmit    TaskStatus = "SUBMIT"
	TaskSubmitted TaskStatus = "SUBMITTED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskDone      TaskStatus = "DONE"
	TaskAborted   TaskStatus = "ABORTED"
	TaskCancelled TaskStatus = "CANCELLED"
	TaskPurged    TaskStatus = "PURGED"
)

var taskStatuses = []TaskStatus{
	TaskWaiting, TaskSubmit, TaskSubmitted, TaskRunning,
	TaskDone, TaskAborted, TaskCancelled, TaskPurged,
}

// ParseTaskStatus accepts a status name in any case.
func ParseTaskStatus(value string) (TaskStatus, error) {
	candidate := TaskStatus(strings.ToUpper(strings.TrimSpace(value)))
	for _, status := range taskStatuses {
		if status == candidate {
			return status, nil
		}
	}
	return "", fmt.Errorf("unknown task status %q", value)
}

// Archived reports whether the status hides the task from API reads.
func (s TaskStatus) Archived() bool {
	return s == TaskCancelled || s == TaskPurged
}

// FileStatus is derived from a task file path: NEEDED until a path is set.
type FileStatus string

const (
	FileNeeded FileStatus = "NEEDED"
	FileReady  FileStatus = "READY"
)

// QueueAction is the request handed to the executor.
type QueueAction string

const (
	QueueSubmit       QueueAction = "SUBMIT"
	QueueClean        QueueAction = "CLEAN"
	QueueStatusChange QueueAction = "STATUSCH"
)

// QueueStatus tracks the executor's progress on a queue entry.
type QueueStatus string

const (
	QueueQueued     QueueStatus = "QUEUED"
	QueueProcessing QueueStatus = "PROCESSING"
	QueueProcessed  QueueStatus = "PROCESSED"
	QueueFailed     QueueStatus = "FAILED"
	QueueDone       QueueStatus = "DONE"
)

// User is an API account. Users are disabled, never deleted.
type User struct {
	ID           int64
	Name         string
	PasswordHash string
	FirstName    string
	LastName     string
	Institute    string
	Mail         string
	Enabled      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Group struct {
	ID        int64
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Role struct {
	ID          int64
	Name        string
	Description string
}

// SessionToken is the stored form of a bearer token. Only the SHA-256 of the
// token is persisted.
//
// UserID is the identity the token acts as; SubjectUserID is the identity
// that authenticated. They differ only for delegated tokens.
type SessionToken struct {
	TokenHash     string
	UserID        int64
	SubjectUserID int64
	Creation      time.Time
	Expiry        time.Duration
}

func (t SessionToken) ExpiresAt() time.Time {
	return t.Creation.Add(t.Expiry)
}

// Identity is the caller resolved from a valid session token.
type Identity struct {
	UserID      int64
	Name        string
	SubjectID   int64
	SubjectName string
}

// Delegated reports whether the token was issued on behalf of another user.
func (i Identity) Delegated() bool {
	return i.SubjectID != 0 && i.SubjectID != i.UserID
}

// SubjectOrUser returns the id of the user that authenticated.
func (i Identity) SubjectOrUser() int64 {
	if i.SubjectID != 0 {
		return i.SubjectID
	}
	return i.UserID
}

// Parameter is an ordered name/value pair attached to an application.
type Parameter struct {
	Name        string
	Value       string
	Description string
}

// AppFile is a file declared by an application. Path is empty until the file
// has been uploaded. Override marks files the application always supplies,
// regardless of what a task request carries.
type AppFile struct {
	Name     string
	Path     string
	Override bool
}

type Application struct {
	ID              int64
	Name            string
	Description     string
	Outcome         string
	Enabled         bool
	CreatedAt       time.Time
	Parameters      []Parameter
	Files           []AppFile
	Infrastructures []Infrastructure
}

// ParameterValues returns the values of every parameter named name, in order.
func (a Application) ParameterValues(name string) []string {
	var values []string
	for _, p := range a.Parameters {
		if p.Name == name {
			values = append(values, p.Value)
		}
	}
	return values
}

// InfraParameter is an infrastructure setting. Secret values are encrypted at
// rest and redacted from API responses.
type InfraParameter struct {
	Name        string
	Value       string
	Description string
	Secret      bool
}

// UnassignedAppID marks infrastructures not owned by any application.
const UnassignedAppID int64 = 0

type Infrastructure struct {
	ID          int64
	AppID       int64
	Name        string
	Description string
	Enabled     bool
	Virtual     bool
	CreatedAt   time.Time
	Parameters  []InfraParameter
}

// InfraSpec is how an application request names an infrastructure: either a
// full new definition or a reference to an existing infrastructure id.
type InfraSpec interface {
	isInfraSpec()
}

// NewInfrastructure defines an infrastructure inline.
type NewInfrastructure struct {
	Name        string
	Description string
	Enabled     bool
	Virtual     bool
	Parameters  []InfraParameter
}

// ExistingInfrastructure refers to an infrastructure already in the store.
type ExistingInfrastructure struct {
	ID int64
}

func (NewInfrastructure) isInfraSpec()      {}
func (ExistingInfrastructure) isInfraSpec() {}

func (n NewInfrastructure) Validate() error {
	if strings.TrimSpace(n.Name) == "" {
		return errors.New("infrastructure name is required")
	}
	for i, p := range n.Parameters {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("infrastructure parameter %d: name is required", i)
		}
	}
	return nil
}

// ApplicationCreate is a validated request to register an application.
type ApplicationCreate struct {
	Name            string
	Description     string
	Outcome         string
	Enabled         bool
	Parameters      []Parameter
	Files           []AppFile
	Infrastructures []InfraSpec
}

func (a ApplicationCreate) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return errors.New("application name is required")
	}
	for i, p := range a.Parameters {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("parameter %d: name is required", i)
		}
	}
	seen := make(map[string]struct{}, len(a.Files))
	for i, f := range a.Files {
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("file %d: name is required", i)
		}
		if _, ok := seen[f.Name]; ok {
			return fmt.Errorf("file %q declared twice", f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	for i, spec := range a.Infrastructures {
		switch v := spec.(type) {
		case NewInfrastructure:
			if err := v.Validate(); err != nil {
				return fmt.Errorf("infrastructure %d: %w", i, err)
			}
		case ExistingInfrastructure:
			if v.ID <= 0 {
				return fmt.Errorf("infrastructure %d: id must be positive", i)
			}
		default:
			return fmt.Errorf("infrastructure %d: unsupported definition %T", i, spec)
		}
	}
	return nil
}

// TaskFile is an input or output file of a task. An empty Path stores NULL
// and means the file is still pending.
type TaskFile struct {
	Name string
	Path string
}

func (f TaskFile) Status() FileStatus {
	if f.Path == "" {
		return FileNeeded
	}
	return FileReady
}

// RuntimeData is executor-published or user-supplied key/value data.
type RuntimeData struct {
	Name        string
	Value       string
	Description string
	Proto       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Task struct {
	ID          int64
	AppID       int64
	Description string
	User        string
	Status      TaskStatus
	Sandbox     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Arguments   []string
	InputFiles  []TaskFile
	OutputFiles []TaskFile
	RuntimeData []RuntimeData
}

// TaskRequest is what a client submits to create a task. InputFiles entries
// may carry a path hint; OutputFiles names extra outputs to collect.
type TaskRequest struct {
	AppID       int64
	Description string
	User        string
	Arguments   []string
	InputFiles  []TaskFile
	OutputFiles []string
}

func (r TaskRequest) Validate() error {
	if r.AppID <= 0 {
		return errors.New("application id is required")
	}
	if strings.TrimSpace(r.User) == "" {
		return errors.New("task user is required")
	}
	for i, f := range r.InputFiles {
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("input file %d: name is required", i)
		}
	}
	for i, name := range r.OutputFiles {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("output file %d: name is required", i)
		}
	}
	return nil
}

// QueueEntry is one row of the executor hand-off queue.
type QueueEntry struct {
	ID           int64
	TaskID       int64
	Target       string
	Action       QueueAction
	Status       QueueStatus
	TargetStatus TaskStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CheckTS      time.Time
	ActionInfo   string
}
