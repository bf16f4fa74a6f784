package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"finlink/internal/domain/account"
	"finlink/internal/domain/link"
	"finlink/internal/domain/openfinance"
	"finlink/internal/domain/transaction"
	"finlink/internal/shared/logging"
	"finlink/internal/shared/middleware"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	LinkID    string `json:"linkId,omitempty"`
	AccountID string `json:"accountId,omitempty"`
}

// errorMapping pairs a domain error with its HTTP status and stable code.
// The first match wins, so wrapped causes must come after their wrappers.
var errorMapping = []struct {
	err    error
	status int
	code   string
}{
	{link.ErrInvalidClientUser, http.StatusBadRequest, "INVALID_CLIENT_USER"},
	{link.ErrInvalidPublicToken, http.StatusBadRequest, "INVALID_PUBLIC_TOKEN"},
	{transaction.ErrInvalidInput, http.StatusBadRequest, "INVALID_INPUT"},
	{transaction.ErrReservedID, http.StatusBadRequest, "RESERVED_ID"},
	{account.ErrInvalidAccountType, http.StatusBadRequest, "INVALID_INPUT"},
	{account.ErrInvalidCurrency, http.StatusBadRequest, "INVALID_INPUT"},

	{account.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},

	{link.ErrLinkNotFound, http.StatusNotFound, "LINK_NOT_FOUND"},
	{link.ErrSessionNotFound, http.StatusNotFound, "SESSION_NOT_FOUND"},
	{account.ErrAccountNotFound, http.StatusNotFound, "ACCOUNT_NOT_FOUND"},
	{transaction.ErrTransactionNotFound, http.StatusNotFound, "TRANSACTION_NOT_FOUND"},

	{openfinance.ErrSyncInProgress, http.StatusConflict, "SYNC_IN_PROGRESS"},
	{link.ErrSessionConsumed, http.StatusConflict, "SESSION_CONSUMED"},
	{link.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},

	{link.ErrSessionExpired, http.StatusGone, "SESSION_EXPIRED"},
	{openfinance.ErrLinkRevoked, http.StatusGone, "LINK_REVOKED"},

	{openfinance.ErrCredentialRevoked, http.StatusUnprocessableEntity, "RELINK_REQUIRED"},
	{link.ErrExchangeRejected, http.StatusUnprocessableEntity, "EXCHANGE_REJECTED"},
	{transaction.ErrNotManual, http.StatusUnprocessableEntity, "NOT_MANUAL"},

	{openfinance.ErrRateLimited, http.StatusTooManyRequests, "RATE_LIMITED"},

	{openfinance.ErrGatewayRejected, http.StatusBadGateway, "GATEWAY_REJECTED"},
	{link.ErrGatewayRejected, http.StatusBadGateway, "GATEWAY_REJECTED"},

	{openfinance.ErrTransientGateway, http.StatusServiceUnavailable, "GATEWAY_UNAVAILABLE"},
	{link.ErrGatewayUnavailable, http.StatusServiceUnavailable, "GATEWAY_UNAVAILABLE"},
	{link.ErrPersistenceFailure, http.StatusServiceUnavailable, "PERSISTENCE_FAILURE"},
}

// statusFor maps err to an HTTP status and code. Unknown errors are 500.
func statusFor(err error) (int, string) {
	for _, m := range errorMapping {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "INTERNAL"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError replies with the mapped status. Internal errors are logged and
// their message hidden from the caller.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Code: code}

	var linkErr *openfinance.LinkError
	if errors.As(err, &linkErr) {
		resp.LinkID = linkErr.LinkID
		resp.AccountID = linkErr.AccountID
	}

	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context(), logger).Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
		if status == http.StatusInternalServerError {
			resp.Error = "internal error"
		}
	}
	writeJSON(w, status, resp)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: msg, Code: "INVALID_INPUT"})
}

// clientUser returns the id stored by middleware.ClientUser. Routes are
// always wrapped, so a missing id is a wiring bug reported as 401.
func clientUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := middleware.ClientUserID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "client user is required", Code: "UNAUTHORIZED"})
		return "", false
	}
	return id, true
}
