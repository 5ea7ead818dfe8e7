package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vnmchuo/reportdesk/internal/admission"
	"github.com/vnmchuo/reportdesk/internal/quota"
	"github.com/vnmchuo/reportdesk/internal/usage"
)

var (
	errUnauthorized  = errors.New("unauthorized")
	errForbidden     = errors.New("access to another tenant is not allowed")
	errTenantMissing = errors.New("tenant_id is required for unscoped keys")
)

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type quotaExceededBody struct {
	Error        string `json:"error"`
	Details      string `json:"details"`
	CurrentUsage int64  `json:"current_usage"`
	Limit        int64  `json:"limit"`
	Remaining    int64  `json:"remaining"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, details string) {
	writeJSON(w, status, errorBody{Error: msg, Details: details})
}

// writeFailure maps an error to its status code.
func writeFailure(w http.ResponseWriter, err error) {
	var qe *admission.QuotaExceededError
	if errors.As(err, &qe) {
		writeJSON(w, http.StatusTooManyRequests, quotaExceededBody{
			Error:        "quota exceeded",
			Details:      qe.Message,
			CurrentUsage: qe.CurrentUsage,
			Limit:        qe.Limit,
			Remaining:    qe.Remaining,
		})
		return
	}

	switch {
	case admission.IsRateLimited(err):
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded", err.Error())
	case errors.Is(err, errUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", "")
	case errors.Is(err, errForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, errTenantMissing),
		errors.Is(err, usage.ErrInvalidInput),
		errors.Is(err, quota.ErrInvalidTokenType):
		writeError(w, http.StatusBadRequest, "invalid request", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal server error", "")
	}
}
