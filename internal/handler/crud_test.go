package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/AIClient-2-API/internal/apierr"
	"github.com/anthropics/AIClient-2-API/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
)

func TestPathID(t *testing.T) {
	assert.Equal(t, "abc", pathID("/v2/accounts/abc", "/v2/accounts"))
	assert.Equal(t, "", pathID("/v2/accounts/", "/v2/accounts"))
	assert.Equal(t, "", pathID("/v2/accounts", "/v2/accounts"))
}

func TestClassifyStoreError_NotFound(t *testing.T) {
	err := classifyStoreError(pgx.ErrNoRows)
	assert.Equal(t, apierr.KindNotFound, err.Kind)
}

func TestClassifyStoreError_Nil(t *testing.T) {
	assert.Nil(t, classifyStoreError(nil))
}

func TestAccountsHandler_ServeBatch_MethodNotAllowed(t *testing.T) {
	h := NewAccountsHandler(AccountsHandlerOptions{Store: store.NewAccountStore(nil)})
	req := httptest.NewRequest(http.MethodGet, "/v2/accounts/batch", nil)
	rec := httptest.NewRecorder()
	h.ServeBatch(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAccountsHandler_ServeBatch_RequiresAtLeastOneOperation(t *testing.T) {
	h := NewAccountsHandler(AccountsHandlerOptions{Store: store.NewAccountStore(nil)})
	body := `{"rollbackStrategy":"all","operations":[]}`
	req := httptest.NewRequest(http.MethodPost, "/v2/accounts/batch", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeBatch(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAccountsHandler_ServeHTTP_InvalidJSON(t *testing.T) {
	h := NewAccountsHandler(AccountsHandlerOptions{Store: store.NewAccountStore(nil)})
	req := httptest.NewRequest(http.MethodPost, "/v2/accounts", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAccountsHandler_ServeHTTP_ValidationFailsBeforeStoreAccess(t *testing.T) {
	h := NewAccountsHandler(AccountsHandlerOptions{Store: store.NewAccountStore(nil)})
	body := `{"idp":"google"}` // missing required email
	req := httptest.NewRequest(http.MethodPost, "/v2/accounts", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
