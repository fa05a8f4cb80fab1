package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"vaultguard/core/pricing"
	"vaultguard/native/escrow"
	"vaultguard/native/rebalance"
	"vaultguard/native/replenish"
	"vaultguard/services/vaultd/dispatcher"
)

type errorBody struct {
	Error      string                      `json:"error"`
	Violations []replenish.ValidationError `json:"violations,omitempty"`
	Symbols    []string                    `json:"symbols,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string, violations []replenish.ValidationError) {
	writeJSON(w, status, errorBody{Error: message, Violations: violations})
}

// statusFor maps engine errors onto HTTP responses.
func statusFor(err error) (int, errorBody) {
	var violations replenish.ValidationErrors
	if errors.As(err, &violations) {
		return http.StatusUnprocessableEntity, errorBody{Error: "replenishment rejected", Violations: violations}
	}
	var cfgErr *pricing.ConfigurationError
	if errors.As(err, &cfgErr) {
		return http.StatusInternalServerError, errorBody{Error: "pricing misconfigured", Symbols: cfgErr.Symbols}
	}
	var snapErr *dispatcher.SnapshotError
	switch {
	case errors.As(err, &snapErr), errors.Is(err, dispatcher.ErrNotReady):
		return http.StatusServiceUnavailable, errorBody{Error: err.Error()}
	case errors.Is(err, escrow.ErrStaleSnapshot), errors.Is(err, escrow.ErrInsufficientBalance):
		return http.StatusConflict, errorBody{Error: err.Error()}
	case errors.Is(err, dispatcher.ErrVaultNotFound), errors.Is(err, rebalance.ErrNoTimer):
		return http.StatusNotFound, errorBody{Error: err.Error()}
	case errors.Is(err, rebalance.ErrNotExpired), errors.Is(err, rebalance.ErrNotActive):
		return http.StatusConflict, errorBody{Error: err.Error()}
	case errors.Is(err, rebalance.ErrActorRequired),
		errors.Is(err, rebalance.ErrVaultRequired),
		errors.Is(err, replenish.ErrVaultRequired),
		errors.Is(err, replenish.ErrVaultMismatch):
		return http.StatusBadRequest, errorBody{Error: err.Error()}
	default:
		return http.StatusInternalServerError, errorBody{Error: "internal error"}
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routePattern(r), "status", status, "error", err)
	}
	writeJSON(w, status, body)
}
