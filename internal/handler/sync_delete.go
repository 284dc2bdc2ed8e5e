package handler

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/anthropics/AIClient-2-API/internal/apierr"
	"github.com/anthropics/AIClient-2-API/internal/store"
)

// SyncDeleteHandler implements the legacy bulk-sync hard-pruning flow
// the client posts its full current account list, and
// any server row not present in it is hard-deleted, subject to several
// confirmation and rate-limiting guards.
type SyncDeleteHandler struct {
	store      *store.AccountStore
	logger     *slog.Logger
	maxAccounts int
	rateWindow time.Duration

	mu       sync.Mutex
	lastHit  map[string]time.Time
}

// SyncDeleteHandlerOptions configures SyncDeleteHandler.
type SyncDeleteHandlerOptions struct {
	Store       *store.AccountStore
	Logger      *slog.Logger
	MaxAccounts int
	RateWindow  time.Duration
}

// NewSyncDeleteHandler creates a SyncDeleteHandler.
func NewSyncDeleteHandler(opts SyncDeleteHandlerOptions) *SyncDeleteHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	max := opts.MaxAccounts
	if max == 0 {
		max = 10000
	}
	window := opts.RateWindow
	if window == 0 {
		window = 5 * time.Minute
	}
	return &SyncDeleteHandler{
		store:       opts.Store,
		logger:      logger,
		maxAccounts: max,
		rateWindow:  window,
		lastHit:     make(map[string]time.Time),
	}
}

// syncDataRequest is the legacy bulk-sync body (POST /api/data).
type syncDataRequest struct {
	Accounts          []accountDTO `json:"accounts"`
	SyncDelete        bool         `json:"syncDelete"`
	ConfirmSyncDelete bool         `json:"confirmSyncDelete"`
	ForceSync         bool         `json:"forceSync"`
}

// ServeHTTP handles POST /api/data.
func (h *SyncDeleteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, apierr.New(apierr.KindValidation, "method not allowed"))
		return
	}

	var req syncDataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, apierr.New(apierr.KindValidation, "invalid JSON: "+err.Error()))
		return
	}

	if !req.SyncDelete {
		writeJSON(w, http.StatusOK, map[string]any{"deleted": 0})
		return
	}

	// Guard 1: non-empty frontend list.
	if len(req.Accounts) == 0 {
		writeAPIError(w, apierr.New(apierr.KindValidation, "sync-delete requires a non-empty account list"))
		return
	}
	// Guard 2: header confirmation.
	if r.Header.Get("X-Confirm-Sync-Delete") != "true" {
		writeAPIError(w, apierr.New(apierr.KindValidation, "sync-delete requires the X-Confirm-Sync-Delete: true header"))
		return
	}
	// Guard 3: body confirmation.
	if !req.ConfirmSyncDelete {
		writeAPIError(w, apierr.New(apierr.KindValidation, "sync-delete requires confirmSyncDelete: true in the body"))
		return
	}
	// Guard 4: account count ceiling.
	if len(req.Accounts) > h.maxAccounts {
		writeAPIError(w, apierr.New(apierr.KindValidation, "account list exceeds MAX_SYNC_DELETE_ACCOUNTS"))
		return
	}
	// Guard 5: per-IP rate limit.
	if !h.allow(clientIP(r)) {
		writeAPIError(w, apierr.New(apierr.KindRateLimited, "sync-delete allowed at most once per rate window"))
		return
	}

	existing, err := h.store.ListAccounts(r.Context(), "")
	if err != nil {
		writeAPIError(w, classifyStoreError(err))
		return
	}

	keep := make(map[string]bool, len(req.Accounts))
	for _, a := range req.Accounts {
		if a.ID != "" {
			keep[a.ID] = true
		}
	}

	var toDelete []string
	for _, a := range existing {
		if !keep[a.ID] {
			toDelete = append(toDelete, a.ID)
		}
	}

	// Guard 6: refuse to prune half or more of the fleet unless forced.
	if len(existing) > 0 && !req.ForceSync {
		if float64(len(toDelete))/float64(len(existing)) >= 0.5 {
			writeAPIError(w, apierr.New(apierr.KindValidation,
				"sync-delete would remove 50% or more of known accounts; pass forceSync:true to proceed"))
			return
		}
	}

	deleted := 0
	for _, id := range toDelete {
		if err := h.store.HardDelete(r.Context(), id); err != nil {
			h.logger.Error("sync-delete: failed to hard-delete account", "id", id, "error", err)
			continue
		}
		deleted++
	}

	h.logger.Info("sync-delete completed", "requested_keep", len(keep), "deleted", deleted, "candidates", len(toDelete))
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

// allow reports whether ip may run sync-delete now, recording the attempt
// regardless of outcome so the window is measured from the last *attempt*.
func (h *SyncDeleteHandler) allow(ip string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	last, ok := h.lastHit[ip]
	h.lastHit[ip] = now
	return !(ok && now.Sub(last) < h.rateWindow)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
