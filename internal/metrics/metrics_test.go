package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fgateway/fgapiserver/internal/models"
)

func TestCountersRecord(t *testing.T) {
	m := New()
	m.IncTaskStatus(models.TaskSubmit)
	m.IncTaskStatus(models.TaskSubmit)
	m.IncQueueAction(models.QueueClean)
	m.IncSessionToken("issued")
	m.AddUploadBytes("task", 42)
	m.AddUploadBytes("task", -1)
	m.ObserveSubmit("ok", 10*time.Millisecond)
	m.ObserveHTTPRequest("/v1.0/tasks", http.MethodGet, 404, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.taskStatusTotal.WithLabelValues("SUBMIT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueActionsTotal.WithLabelValues("CLEAN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionTokensTotal.WithLabelValues("issued")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.uploadBytesTotal.WithLabelValues("task")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("/v1.0/tasks", "GET", "4xx")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncTaskStatus(models.TaskWaiting)
		m.IncQueueAction(models.QueueSubmit)
		m.ObserveSubmit("ok", time.Second)
		m.IncSessionToken("rejected")
		m.AddUploadBytes("app", 1)
		m.ObserveHTTPRequest("", "GET", 200, time.Second)
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.IncTaskStatus(models.TaskCancelled)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `fgapiserver_task_status_total{status="CANCELLED"} 1`)
}
