package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheus_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetBreakerState("query", "open")
	m.IncSessionsClosed("grace-expired")
	m.IncSessionsClosed("grace-expired")
	m.AddPointsAwarded(7)
	m.AddPointsAwarded(0)
	m.IncRecovered("stale")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerState.WithLabelValues("query", "open")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.breakerState.WithLabelValues("query", "closed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionsClosed.WithLabelValues("grace-expired")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.pointsAwarded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.recovered.WithLabelValues("stale")))
}

func TestRegisterSessionGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterSessionGauges(reg, func() (int, int) { return 3, 1 })

	expected := `
# HELP voicepoints_active_sessions Users currently tracked as active in voice.
# TYPE voicepoints_active_sessions gauge
voicepoints_active_sessions 3
# HELP voicepoints_grace_sessions Users currently inside their reconnect grace window.
# TYPE voicepoints_grace_sessions gauge
voicepoints_grace_sessions 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected)))
}

func TestHealthHandler(t *testing.T) {
	var dbErr error
	srv := NewServer(":0", prometheus.NewRegistry(), func(context.Context) Health {
		return Health{Active: 2, Grace: 1, LastSave: time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC), DBErr: dbErr}
	})

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 2, body.ActiveSessions)
	assert.Equal(t, "2026-10-15T10:00:00Z", body.LastSave)

	dbErr = errors.New("service unavailable")
	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
