package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fgateway/fgapiserver/internal/models"
)

// openTestStore creates a test database in a temporary directory.
// The database is automatically closed and removed when the test completes.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func seedUser(t *testing.T, store *Store, name string, groups ...string) models.User {
	t.Helper()
	user, err := store.CreateUser(context.Background(), models.User{Name: name, PasswordHash: "hash", Enabled: true})
	require.NoError(t, err)
	if len(groups) > 0 {
		require.NoError(t, store.AddUserToGroups(context.Background(), user.ID, groups))
	}
	return user
}

func seedApp(t *testing.T, store *Store, req models.ApplicationCreate) int64 {
	t.Helper()
	id, err := store.CreateApplication(context.Background(), req)
	require.NoError(t, err)
	return id
}

func testApp(name string, infra ...models.InfraSpec) models.ApplicationCreate {
	return models.ApplicationCreate{
		Name:    name,
		Enabled: true,
		Parameters: []models.Parameter{
			{Name: "jobdesc_executable", Value: "/bin/hostname"},
			{Name: "jobdesc_output", Value: "stdout.txt"},
		},
		Files: []models.AppFile{
			{Name: "run.sh", Path: "/apps/run.sh", Override: true},
			{Name: "input.txt", Override: false},
		},
		Infrastructures: infra,
	}
}

func seedTask(t *testing.T, store *Store, appID int64, user string, inputs ...models.TaskFile) int64 {
	t.Helper()
	id, err := store.CreateTask(context.Background(), models.Task{
		AppID:       appID,
		User:        user,
		Status:      models.TaskWaiting,
		Sandbox:     "/tmp/sandbox-" + user,
		Arguments:   []string{"a", "b"},
		InputFiles:  inputs,
		OutputFiles: []models.TaskFile{{Name: "stdout.txt"}},
	})
	require.NoError(t, err)
	return id
}

func seedUserModel(name string) models.User {
	return models.User{Name: name, PasswordHash: "hash", Enabled: true}
}
