package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/anthropics/AIClient-2-API/internal/apierr"
	"github.com/anthropics/AIClient-2-API/internal/store"
)

// MachineIDHandler serves /v2/accounts/machine-id/{accountID} and
// /v2/accounts/machine-id/{accountID}/history, the current accountId ->
// machineId binding and its append-only change history.
type MachineIDHandler struct{ store *store.MachineIDStore }

// NewMachineIDHandler creates a MachineIDHandler over store.
func NewMachineIDHandler(s *store.MachineIDStore) *MachineIDHandler {
	return &MachineIDHandler{store: s}
}

type machineIDBindingDTO struct {
	AccountID string `json:"accountId"`
	MachineID string `json:"machineId" validate:"required"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
}

func machineIDBindingToDTO(b *store.MachineIDBinding) machineIDBindingDTO {
	return machineIDBindingDTO{AccountID: b.AccountID, MachineID: b.MachineID, UpdatedAt: b.UpdatedAt}
}

type machineIDHistoryEntryDTO struct {
	AccountID string `json:"accountId"`
	MachineID string `json:"machineId"`
	BoundAt   int64  `json:"boundAt"`
}

func (h *MachineIDHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := pathID(r.URL.Path, "/v2/accounts/machine-id")
	accountID, isHistory := strings.CutSuffix(rest, "/history")
	accountID = strings.Trim(accountID, "/")
	if accountID == "" {
		writeAPIError(w, apierr.New(apierr.KindValidation, "account id is required"))
		return
	}

	switch {
	case r.Method == http.MethodGet && isHistory:
		entries, err := h.store.History(r.Context(), accountID)
		if err != nil {
			writeAPIError(w, classifyStoreError(err))
			return
		}
		dtos := make([]machineIDHistoryEntryDTO, 0, len(entries))
		for _, e := range entries {
			dtos = append(dtos, machineIDHistoryEntryDTO{AccountID: e.AccountID, MachineID: e.MachineID, BoundAt: e.BoundAt})
		}
		writeJSON(w, http.StatusOK, dtos)

	case r.Method == http.MethodGet:
		b, err := h.store.Get(r.Context(), accountID)
		if err != nil {
			writeAPIError(w, classifyStoreError(err))
			return
		}
		if b == nil {
			writeAPIError(w, apierr.New(apierr.KindNotFound, "no machine id bound for account"))
			return
		}
		writeJSON(w, http.StatusOK, machineIDBindingToDTO(b))

	case r.Method == http.MethodPut:
		var dto machineIDBindingDTO
		if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
			writeAPIError(w, apierr.New(apierr.KindValidation, "invalid JSON: "+err.Error()))
			return
		}
		if err := validate.Struct(dto); err != nil {
			writeAPIError(w, apierr.New(apierr.KindValidation, err.Error()))
			return
		}
		b, err := h.store.Bind(r.Context(), accountID, dto.MachineID)
		if err != nil {
			writeAPIError(w, classifyStoreError(err))
			return
		}
		writeJSON(w, http.StatusOK, machineIDBindingToDTO(b))

	default:
		writeAPIError(w, apierr.New(apierr.KindValidation, "unsupported method or path"))
	}
}
