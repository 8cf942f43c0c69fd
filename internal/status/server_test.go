package status_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/tracerelay/internal/daemon"
	"github.com/gosuda/tracerelay/internal/status"
)

type fixedStats struct {
	snap daemon.Snapshot
}

func (f fixedStats) Stats() daemon.Snapshot { return f.snap }

func TestHealthz(t *testing.T) {
	t.Parallel()

	srv := status.New(":0", fixedStats{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	t.Parallel()

	snap := daemon.Snapshot{
		State:               "idle",
		TotalEventsIngested: 42,
		ConsecutiveFailures: 1,
		LastPollAt:          time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	srv := status.New(":0", fixedStats{snap: snap}, nil)

	req := httptest.NewRequest(http.MethodGet, "/status", http.NoBody)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var got daemon.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, snap, got)
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := daemon.NewMetrics(reg)
	metrics.Polls.Inc()

	srv := status.New(":0", fixedStats{}, reg)

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tracerelay_polls_total 1")
}

func TestMetricsDisabledWithoutRegistry(t *testing.T) {
	t.Parallel()

	srv := status.New(":0", fixedStats{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
