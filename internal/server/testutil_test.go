package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/stretchr/testify/require"

	"github.com/fgateway/fgapiserver/internal/auth"
	"github.com/fgateway/fgapiserver/internal/catalog"
	"github.com/fgateway/fgapiserver/internal/db"
	"github.com/fgateway/fgapiserver/internal/metrics"
	"github.com/fgateway/fgapiserver/internal/sandbox"
	"github.com/fgateway/fgapiserver/internal/secrets"
	"github.com/fgateway/fgapiserver/internal/tasks"
	testutil "github.com/fgateway/fgapiserver/internal/testing"
)

type testEnv struct {
	api       *API
	handler   http.Handler
	store     *db.Store
	sandboxes *sandbox.Manager
	metrics   *metrics.Metrics
}

// newTestEnv wires an API over a fresh SQLite store with three users:
// admin (administrator), alice and bob (users).
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	store := testutil.OpenStore(t)
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	vault := secrets.NewVault(identity)

	root := t.TempDir()
	sandboxes := sandbox.NewManager(filepath.Join(root, "iosandbox"))
	m := metrics.New()
	sessions := auth.NewSessions(store, time.Hour, nil)
	mgr := tasks.NewManager(store, sandboxes, tasks.Options{
		ExecutorTarget: "GridEngine",
		MaxUploadBytes: 1 << 20,
		Vault:          vault,
		Metrics:        m,
	})
	cat := catalog.New(store, sandbox.NewManager(filepath.Join(root, "apps")), catalog.Options{Vault: vault, Metrics: m})
	api := NewAPI(store, sessions, mgr, cat, sandboxes, nil).WithMetrics(m)

	testutil.SeedUser(t, store, "admin", "administrator")
	testutil.SeedUser(t, store, "alice", "users")
	testutil.SeedUser(t, store, "bob", "users")

	return testEnv{api: api, handler: api.Handler(), store: store, sandboxes: sandboxes, metrics: m}
}

func basicHeader(user, password string) string {
	return user + ":" + base64.StdEncoding.EncodeToString([]byte(password))
}

func (e testEnv) request(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	if req.RemoteAddr == "" {
		req.RemoteAddr = "192.0.2.10:40000"
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// do sends body as JSON (when non-nil) with an optional bearer token.
func (e testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch v := body.(type) {
		case string:
			reader = bytes.NewBufferString(v)
		default:
			raw, err := json.Marshal(v)
			require.NoError(t, err)
			reader = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return e.request(t, req)
}

// upload posts files as multipart form parts named "file".
func (e testEnv) upload(t *testing.T, path, token string, files map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return e.request(t, req)
}

func (e testEnv) login(t *testing.T, user string) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1.0/auth", nil)
	req.Header.Set("Authorization", basicHeader(user, testutil.TestPassword))
	rec := e.request(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[V1AuthResponse](t, rec).Token
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// createApp registers an application as admin and grants it to "users".
func (e testEnv) createApp(t *testing.T, adminToken string, req V1ApplicationCreateRequest) V1Application {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1.0/applications", adminToken, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	app := decodeBody[V1Application](t, rec)
	rec = e.do(t, http.MethodPost, "/v1.0/groups/users/apps", adminToken, map[string]any{"applications": []any{app.ID}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return app
}

func testAppRequest(files ...V1AppFile) V1ApplicationCreateRequest {
	raw := `{"name":"localhost","enabled":true,"parameters":[{"name":"jobservice","value":"ssh://localhost"},{"name":"password","value":"hunter2","secret":true}]}`
	var infra V1InfraSpec
	if err := json.Unmarshal([]byte(raw), &infra); err != nil {
		panic(err)
	}
	return V1ApplicationCreateRequest{
		Name:        "hostname",
		Description: "hostname tester",
		Outcome:     "JOB",
		Parameters: []V1Parameter{
			{Name: "jobdesc_executable", Value: "/bin/hostname"},
			{Name: "jobdesc_output", Value: "stdout.txt"},
			{Name: "jobdesc_error", Value: "stderr.txt"},
		},
		Files:           files,
		Infrastructures: []V1InfraSpec{infra},
	}
}
