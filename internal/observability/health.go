package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// HealthServer exposes /healthz and /readyz endpoints. Readiness follows the
// projector driver: ready while it runs.
type HealthServer struct {
	ready atomic.Bool
	state atomic.Value // string
}

// NewHealthServer creates a new health server.
func NewHealthServer() *HealthServer {
	return &HealthServer{}
}

// SetReady marks the server as ready to receive traffic.
func (h *HealthServer) SetReady(ready bool) {
	h.ready.Store(ready)
}

// SetState records the driver state shown by /readyz.
func (h *HealthServer) SetState(state string) {
	h.state.Store(state)
}

// Handler returns an http.Handler with health and readiness endpoints.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	return mux
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]string{"status": "not ready"}
	if state, ok := h.state.Load().(string); ok && state != "" {
		body["driver_state"] = state
	}
	if h.ready.Load() {
		body["status"] = "ready"
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(body)
}
