package db

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgateway/fgapiserver/internal/models"
)

func TestCreateAndGetApplication(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	appID := seedApp(t, store, testApp("hostname", models.NewInfrastructure{
		Name:    "ssh",
		Enabled: true,
		Parameters: []models.InfraParameter{
			{Name: "jobservice", Value: "ssh://host"},
			{Name: "password", Value: "sealed", Secret: true},
		},
	}))

	app, err := store.GetApplication(ctx, appID)
	require.NoError(t, err)
	assert.Equal(t, "hostname", app.Name)
	assert.Equal(t, "JOB", app.Outcome)
	assert.True(t, app.Enabled)
	require.Len(t, app.Parameters, 2)
	assert.Equal(t, "jobdesc_executable", app.Parameters[0].Name)
	require.Len(t, app.Files, 2)
	assert.Equal(t, models.AppFile{Name: "run.sh", Path: "/apps/run.sh", Override: true}, app.Files[0])
	assert.Equal(t, models.AppFile{Name: "input.txt"}, app.Files[1])
	require.Len(t, app.Infrastructures, 1)
	infra := app.Infrastructures[0]
	assert.Equal(t, appID, infra.AppID)
	require.Len(t, infra.Parameters, 2)
	assert.True(t, infra.Parameters[1].Secret)

	_, err = store.GetApplication(ctx, appID+100)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestCreateApplicationClonesExistingInfrastructure(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sharedID, err := store.CreateInfrastructure(ctx, models.UnassignedAppID, models.NewInfrastructure{
		Name:       "shared",
		Enabled:    true,
		Parameters: []models.InfraParameter{{Name: "host", Value: "grid.example.org"}},
	})
	require.NoError(t, err)

	appID := seedApp(t, store, testApp("clone", models.ExistingInfrastructure{ID: sharedID}))
	app, err := store.GetApplication(ctx, appID)
	require.NoError(t, err)
	require.Len(t, app.Infrastructures, 1)
	clone := app.Infrastructures[0]
	assert.NotEqual(t, sharedID, clone.ID)
	assert.Equal(t, "shared", clone.Name)
	assert.Equal(t, []models.InfraParameter{{Name: "host", Value: "grid.example.org"}}, clone.Parameters)

	unassigned, err := store.ListInfrastructures(ctx, models.UnassignedAppID)
	require.NoError(t, err)
	require.Len(t, unassigned, 1)
	assert.Equal(t, sharedID, unassigned[0].ID)

	_, err = store.CreateApplication(ctx, testApp("missing", models.ExistingInfrastructure{ID: 999}))
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestIsOverriddenSandbox(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	partial := seedApp(t, store, testApp("partial"))
	ok, err := store.IsOverriddenSandbox(ctx, partial)
	require.NoError(t, err)
	assert.False(t, ok)

	full := testApp("full")
	full.Files = []models.AppFile{{Name: "run.sh", Path: "/apps/run.sh", Override: true}}
	fullID := seedApp(t, store, full)
	ok, err = store.IsOverriddenSandbox(ctx, fullID)
	require.NoError(t, err)
	assert.True(t, ok)

	none := testApp("none")
	none.Files = nil
	noneID := seedApp(t, store, none)
	ok, err = store.IsOverriddenSandbox(ctx, noneID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeleteApplicationCascades(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	appID := seedApp(t, store, testApp("doomed", models.NewInfrastructure{
		Name:       "ssh",
		Enabled:    true,
		Parameters: []models.InfraParameter{{Name: "host", Value: "h"}},
	}))
	group, err := store.GetGroupByName(ctx, "users")
	require.NoError(t, err)
	require.NoError(t, store.GrantGroupApps(ctx, group.ID, []int64{appID}))
	seedUser(t, store, "alice")
	taskID := seedTask(t, store, appID, "alice")

	require.NoError(t, store.DeleteApplication(ctx, appID))

	for _, table := range []string{"application_parameters", "application_files", "infrastructures", "group_apps"} {
		var count int
		require.NoError(t, store.DB.QueryRow("SELECT COUNT(*) FROM "+table+" WHERE app_id = ?", appID).Scan(&count))
		assert.Zero(t, count, table)
	}
	var params int
	require.NoError(t, store.DB.QueryRow("SELECT COUNT(*) FROM infrastructure_parameters").Scan(&params))
	assert.Zero(t, params)

	_, err = store.GetApplication(ctx, appID)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	task, err := store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, appID, task.AppID)

	assert.ErrorIs(t, store.DeleteApplication(ctx, appID), sql.ErrNoRows)
}

func TestApplicationFilePathAndEnabled(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	appID := seedApp(t, store, testApp("files"))

	require.NoError(t, store.SetApplicationFilePath(ctx, appID, "input.txt", "/apps/1/input.txt"))
	assert.ErrorIs(t, store.SetApplicationFilePath(ctx, appID, "nope", "/x"), sql.ErrNoRows)
	require.NoError(t, store.SetApplicationEnabled(ctx, appID, false))

	app, err := store.GetApplication(ctx, appID)
	require.NoError(t, err)
	assert.False(t, app.Enabled)
	assert.Equal(t, "/apps/1/input.txt", app.Files[1].Path)
}

func TestInfrastructureLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	appID := seedApp(t, store, testApp("infra",
		models.NewInfrastructure{Name: "on", Enabled: true},
		models.NewInfrastructure{Name: "off", Enabled: false},
	))

	count, err := store.CountEnabledInfrastructures(ctx, appID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	infras, err := store.ListInfrastructures(ctx, appID)
	require.NoError(t, err)
	require.Len(t, infras, 2)
	require.NoError(t, store.SetInfrastructureEnabled(ctx, infras[0].ID, false))
	count, err = store.CountEnabledInfrastructures(ctx, appID)
	require.NoError(t, err)
	assert.Zero(t, count)

	require.NoError(t, store.DeleteInfrastructure(ctx, infras[1].ID))
	_, err = store.GetInfrastructure(ctx, infras[1].ID)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}
