package openfinance

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Every error returned by Client wraps exactly one of these.
var (
	ErrUnavailable        = errors.New("gateway unavailable")
	ErrRateLimited        = errors.New("gateway rate limit exceeded")
	ErrCredentialRevoked  = errors.New("gateway credential no longer valid")
	ErrInvalidPublicToken = errors.New("public token rejected by gateway")
	ErrRejected           = errors.New("gateway rejected request")
)

// ErrorResponse is the error body returned by the gateway.
type ErrorResponse struct {
	ErrorType      string `json:"error_type"`
	ErrorCode      string `json:"error_code"`
	ErrorMessage   string `json:"error_message"`
	DisplayMessage string `json:"display_message,omitempty"`
	RequestID      string `json:"request_id,omitempty"`
}

// GatewayError describes a failed gateway call.
type GatewayError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	RequestID  string
	Kind       error
	Err        error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Code != "" {
		msg += fmt.Sprintf(" (%s)", e.Code)
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status=%d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// IsRetryable reports whether err is worth retrying after a delay.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRateLimited)
}

// Code returns the gateway error code carried by err, if any.
func Code(err error) string {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Code
	}
	return ""
}

// classify maps an HTTP status and gateway error body to an error kind.
func classify(status int, body *ErrorResponse) error {
	code, errType := "", ""
	if body != nil {
		code, errType = body.ErrorCode, body.ErrorType
	}

	if status == http.StatusTooManyRequests || code == "RATE_LIMIT_EXCEEDED" || errType == "RATE_LIMIT_EXCEEDED" {
		return ErrRateLimited
	}

	switch code {
	case "ITEM_LOGIN_REQUIRED", "INVALID_ACCESS_TOKEN", "ACCESS_NOT_GRANTED",
		"USER_PERMISSION_REVOKED", "ITEM_NOT_FOUND", "ITEM_LOCKED":
		return ErrCredentialRevoked
	case "INVALID_PUBLIC_TOKEN":
		return ErrInvalidPublicToken
	case "INTERNAL_SERVER_ERROR", "PLANNED_MAINTENANCE", "INSTITUTION_DOWN",
		"INSTITUTION_NOT_RESPONDING", "PRODUCT_NOT_READY",
		"TRANSACTIONS_SYNC_MUTATION_DURING_PAGINATION":
		return ErrUnavailable
	}

	if errType == "API_ERROR" || errType == "INSTITUTION_ERROR" || status >= http.StatusInternalServerError {
		return ErrUnavailable
	}
	return ErrRejected
}
