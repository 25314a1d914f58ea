package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/pumpdump/game-engine/internal/model"
)

// StatusFor maps an error to an HTTP status and a machine-readable reason.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid_signature"
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, model.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient_balance"
	case errors.Is(err, model.ErrRoundMismatch):
		return http.StatusConflict, "round_mismatch"
	case errors.Is(err, model.ErrAlreadyVoted):
		return http.StatusConflict, "already_voted"
	case errors.Is(err, model.ErrAlreadyReferred):
		return http.StatusConflict, "already_referred"
	case errors.Is(err, model.ErrInvalidToken):
		return http.StatusForbidden, "invalid_token"
	case errors.Is(err, model.ErrInvalidPrincipal):
		return http.StatusBadRequest, "invalid_principal"
	case errors.Is(err, model.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, model.ErrUnknownRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrDailyLimitReached):
		return http.StatusTooManyRequests, "daily_limit_reached"
	case errors.Is(err, model.ErrAirdropNotReady):
		return http.StatusTooManyRequests, "airdrop_not_ready"
	case errors.Is(err, model.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, "backend_unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// writeError writes a JSON error response for err. Server-side failures
// are logged and reported without detail.
func writeError(w http.ResponseWriter, err error) {
	status, reason := StatusFor(err)
	msg := err.Error()
	switch {
	case status == http.StatusServiceUnavailable:
		slog.Warn("request failed", "err", err)
		msg = model.ErrBackendUnavailable.Error()
	case status >= http.StatusInternalServerError:
		slog.Error("request failed", "err", err)
		msg = model.ErrInternal.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "reason": reason})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
