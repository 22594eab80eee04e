package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cluster-load-driver/cld/internal/config"
	"github.com/cluster-load-driver/cld/internal/engine"
	"github.com/cluster-load-driver/cld/internal/heartbeat"
)

// readyProbeTimeout bounds the storage ping so a hung target cannot
// wedge the readiness endpoint.
const readyProbeTimeout = 2 * time.Second

// StatsProvider supplies the live run counters served at /stats.
type StatsProvider interface {
	Snapshot() engine.Snapshot
}

// HealthReporter exposes target connectivity for the readiness check.
type HealthReporter interface {
	Degraded() bool
	GetState() heartbeat.State
}

// Pinger verifies the storage target is reachable right now.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config wires the admin endpoints to the running components. Nil
// collaborators disable the corresponding check or endpoint.
type Config struct {
	HTTP   config.ServerConfig
	Stats  StatsProvider
	Health HealthReporter
	Pinger Pinger
	Logger *zap.Logger
}

// ErrorResponse is the JSON body for all non-2xx admin responses.
type ErrorResponse struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Server is the admin HTTP surface of a run: liveness, readiness and
// run statistics. Prometheus metrics are served separately on the
// telemetry port.
type Server struct {
	config config.ServerConfig
	logger *zap.Logger
	stats  StatsProvider
	health HealthReporter
	pinger Pinger

	httpServer *http.Server
	wg         sync.WaitGroup
}

// New creates an admin server. Start must be called to begin serving.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		config: cfg.HTTP,
		logger: logger,
		stats:  cfg.Stats,
		health: cfg.Health,
		pinger: cfg.Pinger,
	}
}

// Start begins serving on the configured address. The listener runs in
// a background goroutine; bind failures are logged, not returned.
func (s *Server) Start(ctx context.Context) error {
	router := mux.NewRouter()
	s.registerRoutes(router)

	s.httpServer = &http.Server{
		Addr:         s.config.Addr(),
		Handler:      router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting admin HTTP server", zap.String("addr", s.config.Addr()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the server and waits for the serve goroutine
// to exit. In-flight requests get up to 30 seconds to complete.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Failed to shutdown admin HTTP server", zap.Error(err))
	}

	s.wg.Wait()
	s.logger.Info("Admin HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes(router *mux.Router) {
	router.HandleFunc("/healthz", s.healthzHandler).Methods("GET")
	router.HandleFunc("/readyz", s.readyzHandler).Methods("GET")
	router.HandleFunc("/stats", s.statsHandler).Methods("GET")
}

// healthzHandler reports process liveness.
func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "cluster-load-driver",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// readyzHandler reports whether the driver can reach its target. Ready
// means the storage ping succeeds and the heartbeat monitor does not
// report degraded connectivity.
func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		probeCtx, cancel := context.WithTimeout(r.Context(), readyProbeTimeout)
		defer cancel()
		if err := s.pinger.Ping(probeCtx); err != nil {
			s.writeErrorResponse(w, http.StatusServiceUnavailable, "STORAGE_UNREACHABLE", "Storage ping failed", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
	}

	if s.health != nil && s.health.Degraded() {
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "CONNECTIVITY_DEGRADED", "Heartbeat monitor reports degraded connectivity", map[string]interface{}{
			"heartbeat": s.health.GetState(),
		})
		return
	}

	response := map[string]interface{}{
		"status":  "ready",
		"service": "cluster-load-driver",
	}
	if s.health != nil {
		response["heartbeat"] = s.health.GetState()
	}

	s.writeJSONResponse(w, http.StatusOK, response)
}

// statsHandler serves a point-in-time snapshot of the run counters.
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "STATS_UNAVAILABLE", "No workload is running", nil)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, s.stats.Snapshot())
}

func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
	}

	if err := json.NewEncoder(w).Encode(errorResp); err != nil {
		s.logger.Error("Failed to encode error response", zap.Error(err))
	}
}
