package tasks

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fgateway/fgapiserver/internal/models"
	"github.com/fgateway/fgapiserver/internal/secrets"
)

// SnapshotVersion is bumped whenever the executor hand-off document changes
// shape.
const SnapshotVersion = 1

// Snapshot is the executor hand-off document written to
// <sandbox>/<task_id>.json at submission time.
type Snapshot struct {
	Version         int                      `json:"version"`
	GeneratedAt     time.Time                `json:"generated_at"`
	Task            SnapshotTask             `json:"task"`
	Application     SnapshotApplication      `json:"application"`
	Infrastructures []SnapshotInfrastructure `json:"infrastructures"`
}

type SnapshotTask struct {
	ID          int64              `json:"id"`
	Description string             `json:"description"`
	User        string             `json:"user"`
	Status      models.TaskStatus  `json:"status"`
	IOSandbox   string             `json:"iosandbox"`
	CreatedAt   time.Time          `json:"creation"`
	UpdatedAt   time.Time          `json:"last_change"`
	Arguments   []string           `json:"arguments"`
	InputFiles  []SnapshotFile     `json:"input_files"`
	OutputFiles []SnapshotFile     `json:"output_files"`
	RuntimeData []SnapshotKeyValue `json:"runtime_data,omitempty"`
}

type SnapshotFile struct {
	Name   string            `json:"name"`
	Path   string            `json:"path,omitempty"`
	Status models.FileStatus `json:"status"`
}

type SnapshotKeyValue struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

type SnapshotApplication struct {
	ID          int64              `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Outcome     string             `json:"outcome"`
	Enabled     bool               `json:"enabled"`
	Parameters  []SnapshotKeyValue `json:"parameters"`
	Files       []SnapshotAppFile  `json:"files"`
}

type SnapshotAppFile struct {
	Name     string `json:"name"`
	Path     string `json:"path,omitempty"`
	Override bool   `json:"override"`
}

type SnapshotInfrastructure struct {
	ID          int64              `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Enabled     bool               `json:"enabled"`
	Virtual     bool               `json:"virtual"`
	Parameters  []SnapshotKeyValue `json:"parameters"`
}

// SnapshotPath is where the hand-off document for a task lives.
func SnapshotPath(task models.Task) string {
	return filepath.Join(task.Sandbox, strconv.FormatInt(task.ID, 10)+".json")
}

// BuildSnapshot denormalizes a task and its application. Only enabled
// infrastructures are included and secret parameters are decrypted, since
// the executor needs them to reach the target.
func BuildSnapshot(task models.Task, app models.Application, vault *secrets.Vault, now time.Time) (Snapshot, error) {
	snap := Snapshot{
		Version:     SnapshotVersion,
		GeneratedAt: now.UTC(),
		Task: SnapshotTask{
			ID:          task.ID,
			Description: task.Description,
			User:        task.User,
			Status:      task.Status,
			IOSandbox:   task.Sandbox,
			CreatedAt:   task.CreatedAt,
			UpdatedAt:   task.UpdatedAt,
			Arguments:   append([]string{}, task.Arguments...),
			InputFiles:  snapshotFiles(task.InputFiles),
			OutputFiles: snapshotFiles(task.OutputFiles),
		},
		Application: SnapshotApplication{
			ID:          app.ID,
			Name:        app.Name,
			Description: app.Description,
			Outcome:     app.Outcome,
			Enabled:     app.Enabled,
			Parameters:  []SnapshotKeyValue{},
			Files:       []SnapshotAppFile{},
		},
		Infrastructures: []SnapshotInfrastructure{},
	}
	for _, rd := range task.RuntimeData {
		snap.Task.RuntimeData = append(snap.Task.RuntimeData, SnapshotKeyValue{Name: rd.Name, Value: rd.Value, Description: rd.Description})
	}
	for _, p := range app.Parameters {
		snap.Application.Parameters = append(snap.Application.Parameters, SnapshotKeyValue(p))
	}
	for _, f := range app.Files {
		snap.Application.Files = append(snap.Application.Files, SnapshotAppFile(f))
	}
	for _, infra := range app.Infrastructures {
		if !infra.Enabled {
			continue
		}
		out := SnapshotInfrastructure{
			ID:          infra.ID,
			Name:        infra.Name,
			Description: infra.Description,
			Enabled:     infra.Enabled,
			Virtual:     infra.Virtual,
			Parameters:  []SnapshotKeyValue{},
		}
		for _, p := range infra.Parameters {
			value := p.Value
			if p.Secret {
				opened, err := vault.Open(value)
				if err != nil {
					return Snapshot{}, fmt.Errorf("open secret %s of infrastructure %d: %w", p.Name, infra.ID, err)
				}
				value = opened
			}
			out.Parameters = append(out.Parameters, SnapshotKeyValue{Name: p.Name, Value: value, Description: p.Description})
		}
		snap.Infrastructures = append(snap.Infrastructures, out)
	}
	return snap, nil
}

func snapshotFiles(files []models.TaskFile) []SnapshotFile {
	out := make([]SnapshotFile, 0, len(files))
	for _, f := range files {
		out = append(out, SnapshotFile{Name: f.Name, Path: f.Path, Status: f.Status()})
	}
	return out
}
