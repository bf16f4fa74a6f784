// Package openfinance keeps stored accounts and transactions in step with
// the aggregator.
package openfinance

import (
	"errors"
	"fmt"
)

// Domain errors
var (
	ErrCredentialRevoked = errors.New("access credential revoked, relink required")
	ErrRateLimited       = errors.New("aggregator rate limit exceeded")
	ErrTransientGateway  = errors.New("aggregator temporarily unavailable")
	ErrGatewayRejected   = errors.New("aggregator rejected the request")
	ErrLinkRevoked       = errors.New("institution link is revoked")
	ErrSyncInProgress    = errors.New("sync already in progress for this link")
)

// LinkError identifies the link, and optionally the account, a failure
// belongs to so the caller can prompt a targeted relink.
type LinkError struct {
	LinkID    string
	AccountID string
	Err       error
}

func (e *LinkError) Error() string {
	if e.AccountID != "" {
		return fmt.Sprintf("link %s account %s: %v", e.LinkID, e.AccountID, e.Err)
	}
	return fmt.Sprintf("link %s: %v", e.LinkID, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}
