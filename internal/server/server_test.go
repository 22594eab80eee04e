package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cluster-load-driver/cld/internal/config"
	"github.com/cluster-load-driver/cld/internal/engine"
	"github.com/cluster-load-driver/cld/internal/heartbeat"
)

type stubStats struct {
	snap engine.Snapshot
}

func (s *stubStats) Snapshot() engine.Snapshot { return s.snap }

type stubHealth struct {
	degraded bool
	state    heartbeat.State
}

func (s *stubHealth) Degraded() bool            { return s.degraded }
func (s *stubHealth) GetState() heartbeat.State { return s.state }

type stubPinger struct {
	err error
}

func (p *stubPinger) Ping(ctx context.Context) error { return p.err }

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	cfg.Logger = zaptest.NewLogger(t)
	return New(cfg)
}

func serveRequest(srv *Server, method, path string) *httptest.ResponseRecorder {
	router := mux.NewRouter()
	srv.registerRoutes(router)

	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthzHandler(t *testing.T) {
	srv := newTestServer(t, Config{})

	w := serveRequest(srv, http.MethodGet, "/healthz")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, "healthy", response["status"])
	assert.Equal(t, "cluster-load-driver", response["service"])
	assert.NotEmpty(t, response["timestamp"])
}

func TestHealthzHandler_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, Config{})

	w := serveRequest(srv, http.MethodPost, "/healthz")

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestReadyzHandler_Ready(t *testing.T) {
	srv := newTestServer(t, Config{
		Health: &stubHealth{state: heartbeat.State{Status: heartbeat.StatusHealthy}},
		Pinger: &stubPinger{},
	})

	w := serveRequest(srv, http.MethodGet, "/readyz")

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, "ready", response["status"])
	assert.NotNil(t, response["heartbeat"])
}

func TestReadyzHandler_StorageUnreachable(t *testing.T) {
	srv := newTestServer(t, Config{
		Health: &stubHealth{state: heartbeat.State{Status: heartbeat.StatusHealthy}},
		Pinger: &stubPinger{err: assert.AnError},
	})

	w := serveRequest(srv, http.MethodGet, "/readyz")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var response ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)
	assert.Equal(t, "STORAGE_UNREACHABLE", response.Code)
	assert.NotEmpty(t, response.Details["error"])
}

func TestReadyzHandler_DegradedHeartbeat(t *testing.T) {
	srv := newTestServer(t, Config{
		Health: &stubHealth{
			degraded: true,
			state: heartbeat.State{
				Status:           heartbeat.StatusDegraded,
				ConsecutiveFails: 5,
				LastError:        "connect timeout",
			},
		},
		Pinger: &stubPinger{},
	})

	w := serveRequest(srv, http.MethodGet, "/readyz")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var response ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)
	assert.Equal(t, "CONNECTIVITY_DEGRADED", response.Code)

	state, ok := response.Details["heartbeat"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "degraded", state["status"])
	assert.Equal(t, float64(5), state["consecutive_failures"])
}

func TestReadyzHandler_NoCollaborators(t *testing.T) {
	srv := newTestServer(t, Config{})

	w := serveRequest(srv, http.MethodGet, "/readyz")

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, "ready", response["status"])
}

func TestStatsHandler(t *testing.T) {
	snap := engine.Snapshot{
		UptimeSeconds:  12.5,
		Operations:     100,
		RateWaits:      3,
		Successes:      map[string]int64{"find": 60, "insert": 25},
		Failures:       map[string]int64{"update": 15},
		TotalSuccesses: 85,
		TotalFailures:  15,
		ErrorRate:      0.15,
		AchievedRate:   8.0,
	}
	srv := newTestServer(t, Config{Stats: &stubStats{snap: snap}})

	w := serveRequest(srv, http.MethodGet, "/stats")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var decoded engine.Snapshot
	err := json.Unmarshal(w.Body.Bytes(), &decoded)
	require.NoError(t, err)
	assert.Equal(t, snap, decoded)
}

func TestStatsHandler_NoProvider(t *testing.T) {
	srv := newTestServer(t, Config{})

	w := serveRequest(srv, http.MethodGet, "/stats")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var response ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &response)
	require.NoError(t, err)
	assert.Equal(t, "STATS_UNAVAILABLE", response.Code)
}

func TestServerLifecycle(t *testing.T) {
	srv := newTestServer(t, Config{
		HTTP: config.ServerConfig{
			Host:         "127.0.0.1",
			Port:         9094,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		Stats: &stubStats{},
	})

	ctx := context.Background()
	require.NoError(t, srv.Start(ctx))

	// Give the listener a moment to bind.
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get("http://127.0.0.1:9094/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	require.NoError(t, srv.Stop(ctx))

	_, err = http.Get("http://127.0.0.1:9094/healthz")
	assert.Error(t, err)
}

func TestStopWithoutStart(t *testing.T) {
	srv := newTestServer(t, Config{})

	assert.NoError(t, srv.Stop(context.Background()))
}
