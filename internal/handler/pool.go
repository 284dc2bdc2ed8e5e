package handler

import (
	"encoding/json"
	"net/http"

	"github.com/anthropics/AIClient-2-API/internal/account"
)

// PoolHandler exposes the active/cooling account pool's status and a
// manual refresh-sweep trigger.
type PoolHandler struct {
	pool  *account.Pool
	sweep *account.Sweep
}

// NewPoolHandler creates a PoolHandler.
func NewPoolHandler(pool *account.Pool, sweep *account.Sweep) *PoolHandler {
	return &PoolHandler{pool: pool, sweep: sweep}
}

// ServeStatus handles GET /v2/pool/status.
func (h *PoolHandler) ServeStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status := h.pool.CurrentStatus()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

// ServeRefresh handles POST /v2/pool/refresh, running one sweep tick
// synchronously instead of waiting for the background period.
func (h *PoolHandler) ServeRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	h.sweep.Tick(r.Context())
	w.WriteHeader(http.StatusAccepted)
}
