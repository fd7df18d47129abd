package observability

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
)

// HealthServer exposes /healthz and /readyz endpoints. Readiness is the
// process flag set by SetReady. Per-bridge status is reported in the /readyz
// body but does not gate it.
type HealthServer struct {
	ready atomic.Bool

	mu      sync.RWMutex
	bridges map[string]bool
}

// NewHealthServer creates a new health server.
func NewHealthServer() *HealthServer {
	return &HealthServer{bridges: make(map[string]bool)}
}

// SetReady marks the server as ready to receive traffic.
func (h *HealthServer) SetReady(ready bool) {
	h.ready.Store(ready)
}

// SetBridgeReady records whether a bridge has an open consumer pool.
func (h *HealthServer) SetBridgeReady(name string, ready bool) {
	h.mu.Lock()
	h.bridges[name] = ready
	h.mu.Unlock()
}

// RemoveBridge drops a bridge from the readiness report.
func (h *HealthServer) RemoveBridge(name string) {
	h.mu.Lock()
	delete(h.bridges, name)
	h.mu.Unlock()
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

type bridgeStatus struct {
	Name  string `json:"name"`
	Ready bool   `json:"ready"`
}

type readyResponse struct {
	Status  string         `json:"status"`
	Bridges []bridgeStatus `json:"bridges,omitempty"`
}

func (h *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	resp := readyResponse{Status: "not ready"}
	code := http.StatusServiceUnavailable
	if h.ready.Load() {
		resp.Status = "ready"
		code = http.StatusOK
	}

	h.mu.RLock()
	for name, ready := range h.bridges {
		resp.Bridges = append(resp.Bridges, bridgeStatus{Name: name, Ready: ready})
	}
	h.mu.RUnlock()
	sort.Slice(resp.Bridges, func(i, j int) bool { return resp.Bridges[i].Name < resp.Bridges[j].Name })

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
