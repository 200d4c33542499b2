package server

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgateway/fgapiserver/internal/catalog"
	"github.com/fgateway/fgapiserver/internal/models"
)

func appNames(apps []V1Application) []string {
	names := make([]string, 0, len(apps))
	for _, app := range apps {
		names = append(names, app.Name)
	}
	return names
}

func TestApplicationCreateRedactsSecrets(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login(t, "admin")

	rec := env.do(t, http.MethodPost, "/v1.0/applications", admin, testAppRequest(V1AppFile{Name: "input.txt"}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	app := decodeBody[V1Application](t, rec)
	assert.Equal(t, fmt.Sprintf("/v1.0/applications/%d", app.ID), rec.Header().Get("Location"))
	assert.True(t, app.Enabled)
	assert.Equal(t, "JOB", app.Outcome)
	assert.Equal(t, []V1AppFile{{Name: "input.txt", Status: string(models.FileNeeded)}}, app.Files)
	require.Len(t, app.Infrastructures, 1)
	infra := app.Infrastructures[0]
	assert.Equal(t, app.ID, infra.Application)
	assert.Contains(t, infra.Links, V1Link{Rel: "application", Href: fmt.Sprintf("/v1.0/applications/%d", app.ID)})
	assert.Contains(t, infra.Parameters, V1InfraParameter{Name: "password", Value: catalog.RedactedValue, Secret: true})
	assert.Contains(t, infra.Parameters, V1InfraParameter{Name: "jobservice", Value: "ssh://localhost"})
	assert.NotContains(t, rec.Body.String(), "hunter2")

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/v1.0/applications/%d", app.ID), admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")
}

func TestApplicationCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login(t, "admin")
	alice := env.login(t, "alice")

	withPath := testAppRequest(V1AppFile{Name: "input.txt", Path: "/etc/passwd"})
	rec := env.do(t, http.MethodPost, "/v1.0/applications", admin, withPath)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	noName := testAppRequest()
	noName.Name = ""
	rec = env.do(t, http.MethodPost, "/v1.0/applications", admin, noName)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/v1.0/applications", admin, `{"name":"x","infrastructures":[{"id":"nope"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1.0/applications", alice, testAppRequest())
	assert.Equal(t, StatusAuthzDenied, rec.Code)
}

func TestApplicationVisibility(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login(t, "admin")
	alice := env.login(t, "alice")

	granted := env.createApp(t, admin, testAppRequest())
	hiddenReq := testAppRequest()
	hiddenReq.Name = "private"
	rec := env.do(t, http.MethodPost, "/v1.0/applications", admin, hiddenReq)
	require.Equal(t, http.StatusCreated, rec.Code)
	hidden := decodeBody[V1Application](t, rec)

	rec = env.do(t, http.MethodGet, "/v1.0/applications", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.ElementsMatch(t, []string{"hostname", "private"}, appNames(decodeBody[V1ApplicationList](t, rec).Applications))

	rec = env.do(t, http.MethodGet, "/v1.0/applications", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"hostname"}, appNames(decodeBody[V1ApplicationList](t, rec).Applications))

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/v1.0/applications/%d", granted.ID), alice, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, fmt.Sprintf("/v1.0/applications/%d", hidden.ID), alice, nil)
	assert.Equal(t, StatusAuthzDenied, rec.Code)
	rec = env.do(t, http.MethodGet, "/v1.0/applications/9999", alice, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, errorCodeAppNotFound, decodeBody[ErrorResponse](t, rec).Code)
}

func TestApplicationPatchAndDelete(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login(t, "admin")
	alice := env.login(t, "alice")
	app := env.createApp(t, admin, testAppRequest())
	path := fmt.Sprintf("/v1.0/applications/%d", app.ID)

	rec := env.do(t, http.MethodPatch, path, admin, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPatch, path, alice, map[string]any{"enabled": false})
	assert.Equal(t, StatusAuthzDenied, rec.Code)

	rec = env.do(t, http.MethodPatch, path, admin, map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[V1Application](t, rec).Enabled)

	rec = env.do(t, http.MethodDelete, path, alice, nil)
	assert.Equal(t, StatusAuthzDenied, rec.Code)

	rec = env.do(t, http.MethodDelete, path, admin, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodGet, path, admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApplicationInputUploadOverridesTaskInputs(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login(t, "admin")
	alice := env.login(t, "alice")
	app := env.createApp(t, admin, testAppRequest(V1AppFile{Name: "script.sh", Override: true}))
	inputPath := fmt.Sprintf("/v1.0/applications/%d/input", app.ID)

	rec := env.do(t, http.MethodGet, inputPath, alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []V1TaskFile{{Name: "script.sh", Status: string(models.FileNeeded)}}, decodeBody[V1FileList](t, rec).Files)

	rec = env.upload(t, inputPath, admin, map[string]string{"other.sh": "echo"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errorCodeAppUnknownFile, decodeBody[ErrorResponse](t, rec).Code)

	rec = env.upload(t, inputPath, alice, map[string]string{"script.sh": "echo hi"})
	assert.Equal(t, StatusAuthzDenied, rec.Code)

	rec = env.upload(t, inputPath, admin, map[string]string{"script.sh": "echo hi"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	upload := decodeBody[V1InputUploadResponse](t, rec)
	assert.Equal(t, app.ID, upload.App)
	assert.Equal(t, int64(7), upload.Files[0].Size)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/v1.0/applications/%d", app.ID), alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[V1Application](t, rec)
	assert.Equal(t, []V1AppFile{{Name: "script.sh", Override: true, Status: string(models.FileReady)}}, got.Files)

	// Every input is supplied by the application, so the task goes straight
	// to the executor even when the client names the overridden file.
	task := createTask(t, env, alice, map[string]any{"application": app.ID, "input_files": []string{"script.sh"}})
	assert.Equal(t, string(models.TaskSubmit), task.Status)
	assert.Equal(t, []V1TaskFile{{Name: "script.sh", Status: string(models.FileReady)}}, task.InputFiles)
}

func TestInfrastructureEndpoints(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login(t, "admin")
	alice := env.login(t, "alice")

	body := map[string]any{
		"name":        "cluster",
		"description": "batch cluster",
		"parameters": []map[string]any{
			{"name": "jobservice", "value": "ssh://cluster"},
			{"name": "private_key", "value": "-----BEGIN KEY-----", "secret": true},
		},
	}
	rec := env.do(t, http.MethodPost, "/v1.0/infrastructures", alice, body)
	assert.Equal(t, StatusAuthzDenied, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1.0/infrastructures", admin, body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	infra := decodeBody[V1Infrastructure](t, rec)
	assert.True(t, infra.Enabled)
	assert.Zero(t, infra.Application)
	assert.Len(t, infra.Links, 1)
	assert.Contains(t, infra.Parameters, V1InfraParameter{Name: "private_key", Value: catalog.RedactedValue, Secret: true})
	assert.NotContains(t, rec.Body.String(), "BEGIN KEY")

	path := fmt.Sprintf("/v1.0/infrastructures/%d", infra.ID)
	rec = env.do(t, http.MethodGet, path, alice, nil)
	assert.Equal(t, StatusAuthzDenied, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1.0/infrastructures", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var names []string
	for _, item := range decodeBody[V1InfrastructureList](t, rec).Infrastructures {
		names = append(names, item.Name)
	}
	assert.Contains(t, names, "cluster")

	rec = env.do(t, http.MethodPatch, path, admin, map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[V1Infrastructure](t, rec).Enabled)

	rec = env.do(t, http.MethodPost, "/v1.0/infrastructures", admin, map[string]any{"description": "nameless"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodDelete, path, admin, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodGet, path, admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, errorCodeInfraNotFound, decodeBody[ErrorResponse](t, rec).Code)
}

func TestApplicationReusesExistingInfrastructure(t *testing.T) {
	env := newTestEnv(t)
	admin := env.login(t, "admin")

	rec := env.do(t, http.MethodPost, "/v1.0/infrastructures", admin, map[string]any{
		"name":       "shared",
		"parameters": []map[string]any{{"name": "jobservice", "value": "ssh://shared"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	shared := decodeBody[V1Infrastructure](t, rec)

	req := testAppRequest()
	req.Infrastructures = []V1InfraSpec{{ID: shared.ID}}
	app := env.createApp(t, admin, req)
	require.Len(t, app.Infrastructures, 1)
	assert.Equal(t, "shared", app.Infrastructures[0].Name)
	assert.Equal(t, app.ID, app.Infrastructures[0].Application)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/v1.0/infrastructures/%d", shared.ID), admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decodeBody[V1Infrastructure](t, rec).Application)
}
