package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"

	"github.com/anthropics/AIClient-2-API/internal/apierr"
	"github.com/anthropics/AIClient-2-API/internal/store"
)

var validate = validator.New()

// writeAPIError renders a taxonomy error as the standard JSON error envelope.
func writeAPIError(w http.ResponseWriter, err *apierr.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Kind.StatusCode())
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"kind":    string(err.Kind),
			"message": err.Message,
		},
	})
}

// classifyStoreError maps a store-layer error (pgx.ErrNoRows, a
// version-conflict sentinel, or a raw pgx/pgconn error) onto the error
// taxonomy used across the v2 CRUD surface.
func classifyStoreError(err error) *apierr.Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apierr.New(apierr.KindNotFound, "resource not found")
	}
	if store.IsVersionConflict(err) {
		return apierr.New(apierr.KindConflict, "version conflict, retry with the current version")
	}
	return apierr.New(store.Classify(err), err.Error())
}

// pathID extracts the last path segment after prefix, e.g.
// pathID("/v2/accounts/abc", "/v2/accounts/") -> "abc".
func pathID(path, prefix string) string {
	return strings.Trim(strings.TrimPrefix(path, prefix), "/")
}

// AccountsHandler serves the v2 optimistic-version CRUD surface for
// accounts. The sync-delete flow and its guard rails live in
// SyncDeleteHandler; maxSyncDeleteAccounts is stored here but not read.
type AccountsHandler struct {
	store                 *store.AccountStore
	logger                *slog.Logger
	maxSyncDeleteAccounts int
}

// AccountsHandlerOptions configures AccountsHandler.
type AccountsHandlerOptions struct {
	Store                 *store.AccountStore
	Logger                *slog.Logger
	MaxSyncDeleteAccounts int
}

// NewAccountsHandler creates a handler over store.
func NewAccountsHandler(opts AccountsHandlerOptions) *AccountsHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	max := opts.MaxSyncDeleteAccounts
	if max == 0 {
		max = 10000
	}
	return &AccountsHandler{store: opts.Store, logger: logger, maxSyncDeleteAccounts: max}
}

// accountDTO is the wire representation of store.Account for the v2 API.
type accountDTO struct {
	ID       string   `json:"id,omitempty"`
	Email    string   `json:"email" validate:"required,email"`
	UserID   string   `json:"userId"`
	Nickname string   `json:"nickname"`
	IDP      string   `json:"idp" validate:"required"`
	GroupID  string   `json:"groupId"`
	Tags     []string `json:"tags"`
	Region   string   `json:"region"`
	Version  int64    `json:"version"`
}

func (d accountDTO) toAccount() *store.Account {
	return &store.Account{
		ID:       d.ID,
		Email:    d.Email,
		UserID:   d.UserID,
		Nickname: d.Nickname,
		IDP:      store.IDP(d.IDP),
		GroupID:  d.GroupID,
		Tags:     d.Tags,
		Region:   d.Region,
	}
}

func accountToDTO(a *store.Account) accountDTO {
	return accountDTO{
		ID:       a.ID,
		Email:    a.Email,
		UserID:   a.UserID,
		Nickname: a.Nickname,
		IDP:      string(a.IDP),
		GroupID:  a.GroupID,
		Tags:     a.Tags,
		Region:   a.Region,
		Version:  a.Version,
	}
}

// ServeHTTP routes /v2/accounts and /v2/accounts/{id} by method.
func (h *AccountsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := pathID(r.URL.Path, "/v2/accounts")
	switch {
	case r.Method == http.MethodGet && id == "":
		h.list(w, r)
	case r.Method == http.MethodGet:
		h.get(w, r, id)
	case r.Method == http.MethodPost && id == "":
		h.create(w, r)
	case r.Method == http.MethodPut && id != "":
		h.update(w, r, id)
	case r.Method == http.MethodDelete && id != "":
		h.delete(w, r, id)
	default:
		writeAPIError(w, apierr.New(apierr.KindValidation, "unsupported method or path"))
	}
}

func (h *AccountsHandler) list(w http.ResponseWriter, r *http.Request) {
	groupID := r.URL.Query().Get("groupId")
	accounts, err := h.store.ListAccounts(r.Context(), groupID)
	if err != nil {
		writeAPIError(w, classifyStoreError(err))
		return
	}
	dtos := make([]accountDTO, 0, len(accounts))
	for _, a := range accounts {
		dtos = append(dtos, accountToDTO(a))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *AccountsHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	acc, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		writeAPIError(w, classifyStoreError(err))
		return
	}
	writeJSON(w, http.StatusOK, accountToDTO(acc))
}

func (h *AccountsHandler) create(w http.ResponseWriter, r *http.Request) {
	var dto accountDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeAPIError(w, apierr.New(apierr.KindValidation, "invalid JSON: "+err.Error()))
		return
	}
	if err := validate.Struct(dto); err != nil {
		writeAPIError(w, apierr.New(apierr.KindValidation, err.Error()))
		return
	}
	acc, err := h.store.InsertAccount(r.Context(), dto.toAccount())
	if err != nil {
		writeAPIError(w, classifyStoreError(err))
		return
	}
	writeJSON(w, http.StatusCreated, accountToDTO(acc))
}

func (h *AccountsHandler) update(w http.ResponseWriter, r *http.Request, id string) {
	var dto accountDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeAPIError(w, apierr.New(apierr.KindValidation, "invalid JSON: "+err.Error()))
		return
	}
	updated, err := h.store.UpdateOptimistic(r.Context(), id, dto.Version, func(a *store.Account) {
		a.Nickname = dto.Nickname
		a.GroupID = dto.GroupID
		a.Tags = dto.Tags
	})
	if err != nil {
		writeAPIError(w, classifyStoreError(err))
		return
	}
	writeJSON(w, http.StatusOK, accountToDTO(updated))
}

func (h *AccountsHandler) delete(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.store.SoftDelete(r.Context(), id); err != nil {
		writeAPIError(w, classifyStoreError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// batchRequest is the wire shape for POST /v2/accounts/batch (bulk upsert
// batch operations with rollback strategy).
type batchRequest struct {
	Strategy   string               `json:"rollbackStrategy" validate:"omitempty,oneof=none all failed-only"`
	Operations []batchOperationJSON `json:"operations" validate:"required,min=1,dive"`
}

type batchOperationJSON struct {
	Action  string     `json:"action" validate:"required,oneof=create update delete"`
	ID      string     `json:"id"`
	Version int64      `json:"version"`
	Data    accountDTO `json:"data"`
}

// ServeBatch handles POST /v2/accounts/batch.
func (h *AccountsHandler) ServeBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, apierr.New(apierr.KindValidation, "method not allowed"))
		return
	}
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, apierr.New(apierr.KindValidation, "invalid JSON: "+err.Error()))
		return
	}
	if err := validate.Struct(req); err != nil {
		writeAPIError(w, apierr.New(apierr.KindValidation, err.Error()))
		return
	}

	strategy := store.RollbackAll
	switch req.Strategy {
	case "none":
		strategy = store.RollbackNone
	case "failed-only":
		strategy = store.RollbackFailedOnly
	}

	ops := make([]store.BatchOperation, 0, len(req.Operations))
	for _, o := range req.Operations {
		action := store.BatchCreate
		switch o.Action {
		case "update":
			action = store.BatchUpdate
		case "delete":
			action = store.BatchDelete
		}
		ops = append(ops, store.BatchOperation{
			Action:  action,
			Data:    o.Data.toAccount(),
			ID:      o.ID,
			Version: o.Version,
		})
	}

	result, err := h.store.RunBatch(r.Context(), ops, strategy)
	if err != nil {
		writeAPIError(w, classifyStoreError(err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
