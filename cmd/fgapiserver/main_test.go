package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fgateway/fgapiserver/internal/auth"
	"github.com/fgateway/fgapiserver/internal/buildinfo"
	"github.com/fgateway/fgapiserver/internal/db"
	"github.com/fgateway/fgapiserver/internal/models"
	"github.com/fgateway/fgapiserver/internal/redact"
)

type cliEnv struct {
	dir        string
	configPath string
}

func newCLIEnv(t *testing.T) cliEnv {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf("data_dir: %s\nsecrets_age_key_path: %s\nlog_level: error\n",
		dir, filepath.Join(dir, "keys", "age.key"))
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))
	return cliEnv{dir: dir, configPath: configPath}
}

func (e cliEnv) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (e cliEnv) store(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(filepath.Join(e.dir, "fgapiserver.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestVersionCommand(t *testing.T) {
	env := newCLIEnv(t)
	out, err := env.run(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, buildinfo.String()+"\n", out)
}

func TestMigrateCreatesDatabase(t *testing.T) {
	env := newCLIEnv(t)
	out, err := env.run(t, "", "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema up to date (sqlite")
	assert.FileExists(t, filepath.Join(env.dir, "fgapiserver.db"))
}

func TestConfigErrors(t *testing.T) {
	env := newCLIEnv(t)
	require.NoError(t, os.Chmod(env.configPath, 0o644))
	_, err := env.run(t, "", "migrate")
	assert.ErrorContains(t, err, "must not be accessible by others")

	require.NoError(t, os.Chmod(env.configPath, 0o600))
	require.NoError(t, os.WriteFile(env.configPath, []byte("db_driver: mysql\n"), 0o600))
	_, err = env.run(t, "", "migrate")
	assert.ErrorContains(t, err, "db_driver")
}

func TestKeygenRefusesOverwrite(t *testing.T) {
	env := newCLIEnv(t)
	out, err := env.run(t, "", "keygen")
	require.NoError(t, err)
	assert.Contains(t, out, "public key: age1")

	info, err := os.Stat(filepath.Join(env.dir, "keys", "age.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = env.run(t, "", "keygen")
	assert.Error(t, err)
}

func TestUserCommands(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "s3cret\n", "user", "add", "alice", "--password", "-", "--group", "users", "--mail", "alice@example.org")
	require.NoError(t, err)
	assert.Contains(t, out, "created user alice")

	_, err = env.run(t, "", "user", "add", "bob", "--password", "x", "--group", "nope")
	assert.Error(t, err)
	_, err = env.run(t, "", "user", "add", "*", "--password", "x")
	assert.Error(t, err)
	_, err = env.run(t, "", "user", "add", "carol")
	assert.Error(t, err)

	_, err = env.run(t, "", "user", "join", "alice", "administrator")
	require.NoError(t, err)

	store := env.store(t)
	ctx := context.Background()
	user, err := store.GetUserByName(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.org", user.Mail)
	assert.True(t, auth.CheckPassword(user.PasswordHash, "s3cret"))
	groups, err := store.ListUserGroups(ctx, user.ID)
	require.NoError(t, err)
	var names []string
	for _, g := range groups {
		names = append(names, g.Name)
	}
	assert.ElementsMatch(t, []string{"users", "administrator"}, names)

	_, err = env.run(t, "", "user", "disable", "alice")
	require.NoError(t, err)
	user, err = store.GetUserByName(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, user.Enabled)
}

func TestAppImportAndGroupGrants(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run(t, "", "keygen")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(env.dir, "run.sh"), []byte("#!/bin/sh\nhostname\n"), 0o755))
	definition := filepath.Join(env.dir, "apps.yaml")
	require.NoError(t, os.WriteFile(definition, []byte(`
infrastructures:
  - name: grid
    parameters:
      - {name: jobservice, value: "ssh://grid.example.org"}
      - {name: password, value: hunter2, secret: true}
applications:
  - name: hostname
    groups: [users]
    parameters:
      - {name: jobdesc_executable, value: /bin/hostname}
    files:
      - {name: run.sh, path: ./run.sh, override: true}
    infrastructures:
      - ref: grid
`), 0o600))

	out, err := env.run(t, "", "app", "import", definition)
	require.NoError(t, err)
	assert.Contains(t, out, "applications 1, infrastructures 1")

	_, err = env.run(t, "", "group", "add", "auditors")
	require.NoError(t, err)
	_, err = env.run(t, "", "group", "grant-app", "auditors", "1")
	require.NoError(t, err)
	_, err = env.run(t, "", "group", "grant-role", "auditors", "app_view", "task_view")
	require.NoError(t, err)
	_, err = env.run(t, "", "group", "grant-app", "auditors", "abc")
	assert.Error(t, err)
	_, err = env.run(t, "", "group", "grant-app", "missing", "1")
	assert.Error(t, err)

	store := env.store(t)
	ctx := context.Background()
	app, err := store.GetApplication(ctx, 1)
	require.NoError(t, err)
	require.Len(t, app.Files, 1)
	assert.NotEmpty(t, app.Files[0].Path)
	require.Len(t, app.Infrastructures, 1)
	for _, p := range app.Infrastructures[0].Parameters {
		if p.Name == "password" {
			assert.NotEqual(t, "hunter2", p.Value)
		}
	}
	for _, name := range []string{"users", "auditors"} {
		group, err := store.GetGroupByName(ctx, name)
		require.NoError(t, err)
		apps, err := store.ListGroupApps(ctx, group.ID)
		require.NoError(t, err)
		assert.Equal(t, []int64{1}, apps, name)
	}
}

func TestQueueList(t *testing.T) {
	env := newCLIEnv(t)
	out, err := env.run(t, "", "queue", "list", "--status", "queued")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "ID"))
	assert.Equal(t, 1, strings.Count(out, "\n"))

	var buf bytes.Buffer
	require.NoError(t, writeQueue(&buf, []models.QueueEntry{{
		ID: 3, TaskID: 7, Action: models.QueueStatusChange, Status: models.QueueQueued,
		Target: "GridEngine", TargetStatus: models.TaskRunning,
	}}))
	assert.Contains(t, buf.String(), "STATUSCH")
	assert.Contains(t, buf.String(), "RUNNING")
}

func TestBuildLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := buildLogger("warn", zapcore.AddSync(&buf), false, redact.New())
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", zap.String("password", "hunter2"))
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.NotContains(t, buf.String(), "hunter2")

	_, err = buildLogger("loud", zapcore.AddSync(&buf), true, nil)
	assert.Error(t, err)
}
