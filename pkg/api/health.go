package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/metrics"
)

// Version is reported by the health endpoints. cmd/strata overrides it at
// link time.
var Version = "dev"

// Readiness is the part of the manager the health endpoints look at
type Readiness interface {
	IsLeader() bool
	Ready() bool
}

// HealthServer provides HTTP health check and metrics endpoints
type HealthServer struct {
	manager Readiness
	mux     *http.ServeMux
	server  *http.Server
}

// NewHealthServer creates a new health check HTTP server
func NewHealthServer(mgr Readiness) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		manager: mgr,
		mux:     mux,
	}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.HandleFunc("/live", metrics.LivenessHandler())
	mux.HandleFunc("/health/components", metrics.HealthHandler())
	mux.Handle("/metrics", metrics.Handler())

	hs.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return hs
}

// Start listens on addr and serves until Shutdown
func (hs *HealthServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return hs.Serve(lis)
}

// Serve serves on lis until Shutdown
func (hs *HealthServer) Serve(lis net.Listener) error {
	metrics.UpdateComponent("api", true, "serving on "+lis.Addr().String())
	logger := log.WithComponent("api")
	logger.Info().Str("addr", lis.Addr().String()).Msg("Health endpoints listening")

	err := hs.server.Serve(lis)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server, waiting for in-flight requests until ctx is done
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	metrics.UpdateComponent("api", false, "stopped")
	return hs.server.Shutdown(ctx)
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler implements the /health endpoint
// This is a simple liveness check - returns 200 if the process is alive
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   Version,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// readyHandler implements the /ready endpoint. The manager is ready once it
// leads raft and has reloaded the store.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	switch {
	case hs.manager == nil:
		checks["raft"] = "not initialized"
		ready = false
		message = "Manager not initialized"
	case hs.manager.IsLeader():
		checks["raft"] = "leader"
	default:
		checks["raft"] = "no leader elected"
		ready = false
		message = "Waiting for leader election"
	}

	components := metrics.GetReadiness().Components
	if state, ok := components["store"]; ok && state == "ready" {
		checks["store"] = "loaded"
	} else {
		checks["store"] = "not loaded"
		ready = false
		if message == "" {
			message = "Waiting for metadata reload"
		}
	}

	if hs.manager != nil && !hs.manager.Ready() {
		ready = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
