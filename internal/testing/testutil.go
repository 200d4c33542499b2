// ABOUTME: Package testing provides shared test utilities and helper functions for fgapiserver.
//
// Key utilities:
//   - Store helpers: OpenStore, SeedUser, SeedApplication
//   - Model factories: NewTestApplication, NewTestTaskRequest
//   - Test helpers: TempFile, FixedTime
//
// The package is designed to work with github.com/stretchr/testify for
// assertions.
package testing

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/fgateway/fgapiserver/internal/db"
	"github.com/fgateway/fgapiserver/internal/models"
)

// FixedTime is a fixed timestamp for deterministic tests.
var FixedTime = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

const (
	TestPassword = "s3cret"
	TestAppName  = "hostname"
)

// TempFile writes content to name inside a fresh temp dir and returns its path.
func TempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644), "failed to write temp file")
	return path
}

// OpenStore opens a migrated SQLite store in a temporary directory.
func OpenStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err, "failed to open test store")
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// SeedUser creates an enabled user with TestPassword and adds it to groups.
func SeedUser(t *testing.T, store *db.Store, name string, groups ...string) models.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(TestPassword), bcrypt.MinCost)
	require.NoError(t, err)
	user, err := store.CreateUser(context.Background(), models.User{
		Name:         name,
		PasswordHash: string(hash),
		Mail:         name + "@example.org",
		Enabled:      true,
	})
	require.NoError(t, err)
	if len(groups) > 0 {
		require.NoError(t, store.AddUserToGroups(context.Background(), user.ID, groups))
	}
	return user
}

// AppOpts holds optional parameters for NewTestApplication.
type AppOpts struct {
	Name            string
	Disabled        bool
	Files           []models.AppFile
	Parameters      []models.Parameter
	Infrastructures []models.InfraSpec
	NoInfra         bool
}

// NewTestApplication builds an enabled application with one enabled
// infrastructure unless opts say otherwise.
func NewTestApplication(opts AppOpts) models.ApplicationCreate {
	if opts.Name == "" {
		opts.Name = TestAppName
	}
	if opts.Parameters == nil {
		opts.Parameters = []models.Parameter{
			{Name: "jobdesc_executable", Value: "/bin/hostname"},
			{Name: "jobdesc_output", Value: "stdout.txt"},
			{Name: "jobdesc_error", Value: "stderr.txt"},
		}
	}
	if opts.Infrastructures == nil && !opts.NoInfra {
		opts.Infrastructures = []models.InfraSpec{models.NewInfrastructure{
			Name:    "localhost",
			Enabled: true,
			Parameters: []models.InfraParameter{
				{Name: "jobservice", Value: "ssh://localhost"},
				{Name: "password", Value: "hunter2", Secret: true},
			},
		}}
	}
	return models.ApplicationCreate{
		Name:            opts.Name,
		Description:     opts.Name + " test application",
		Outcome:         "JOB",
		Enabled:         !opts.Disabled,
		Parameters:      opts.Parameters,
		Files:           opts.Files,
		Infrastructures: opts.Infrastructures,
	}
}

// SeedApplication stores an application and grants it to groups.
func SeedApplication(t *testing.T, store *db.Store, req models.ApplicationCreate, groups ...string) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := store.CreateApplication(ctx, req)
	require.NoError(t, err)
	for _, name := range groups {
		group, err := store.GetGroupByName(ctx, name)
		require.NoError(t, err)
		require.NoError(t, store.GrantGroupApps(ctx, group.ID, []int64{id}))
	}
	return id
}

// NewTestTaskRequest builds a task request for appID owned by user.
func NewTestTaskRequest(appID int64, user string) models.TaskRequest {
	return models.TaskRequest{
		AppID:       appID,
		Description: "test task",
		User:        user,
		Arguments:   []string{"-f"},
	}
}
