package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgateway/fgapiserver/internal/config"
	testutil "github.com/fgateway/fgapiserver/internal/testing"
)

func testServiceConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.MetricsListen = "127.0.0.1:0"
	cfg.DataDir = dir
	cfg.DBPath = filepath.Join(dir, "fgapiserver.db")
	cfg.SandboxRoot = filepath.Join(dir, "iosandbox")
	cfg.AppFilesDir = filepath.Join(dir, "apps")
	cfg.SecretsAgeKeyPath = filepath.Join(dir, "missing.key")
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func getBody(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServiceServesAPIAndMetrics(t *testing.T) {
	cfg := testServiceConfig(t)
	cfg.TracingEnabled = true
	store, err := OpenStore(cfg)
	require.NoError(t, err)
	testutil.SeedUser(t, store, "admin", "administrator")

	var traces bytes.Buffer
	service, err := NewService(cfg, store, nil, &traces)
	require.NoError(t, err)
	require.NotEmpty(t, service.MetricsAddr())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.Serve(ctx) }()

	base := "http://" + service.Addr()
	code, body := getBody(t, base+"/healthz")
	require.Equal(t, http.StatusOK, code, body)
	var health V1HealthResponse
	require.NoError(t, json.Unmarshal([]byte(body), &health))
	assert.Equal(t, "ok", health.Status)

	req, err := http.NewRequest(http.MethodPost, base+"/v1.0/auth", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", basicHeader("admin", testutil.TestPassword))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	code, body = getBody(t, "http://"+service.MetricsAddr()+"/metrics")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `fgapiserver_auth_session_tokens_total{result="issued"} 1`)
	assert.Contains(t, body, "fgapiserver_http_requests_total")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}
	assert.Contains(t, traces.String(), "fgapiserver")
}

func TestNewServiceRejectsBusyListener(t *testing.T) {
	cfg := testServiceConfig(t)
	cfg.MetricsListen = ""
	store, err := OpenStore(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	first, err := NewService(cfg, store, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.listener.Close() })
	assert.Empty(t, first.MetricsAddr())

	cfg.Listen = first.Addr()
	_, err = NewService(cfg, store, nil, nil)
	assert.ErrorContains(t, err, "listen")
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := testServiceConfig(t)
	cfg.Listen = "not-an-address"
	assert.Error(t, Run(context.Background(), cfg, nil))
}
