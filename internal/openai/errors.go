package openai

import (
	"encoding/json"
	"net/http"

	"github.com/anthropics/AIClient-2-API/internal/apierr"
)

// errorTypeMap mirrors OpenAI's error "type" taxonomy for each apierr.Kind
// this proxy can produce.
var errorTypeMap = map[apierr.Kind]string{
	apierr.KindValidation:  "invalid_request_error",
	apierr.KindAuth:        "authentication_error",
	apierr.KindNotFound:    "invalid_request_error",
	apierr.KindRateLimited: "rate_limit_error",
	apierr.KindConflict:    "invalid_request_error",
	apierr.KindQuota:       "insufficient_quota",
	apierr.KindBanned:      "permission_error",
	apierr.KindUnavailable: "api_error",
	apierr.KindInternal:    "api_error",
}

// WriteError writes err as an OpenAI-shaped JSON error body with the
// status code apierr.Kind maps to.
func WriteError(w http.ResponseWriter, err *apierr.Error) {
	typ, ok := errorTypeMap[err.Kind]
	if !ok {
		typ = "api_error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Kind.StatusCode())
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error: ErrorDetail{
			Message: err.Message,
			Type:    typ,
		},
	})
}
