package link

import (
	"errors"
	"time"
)

// Status is the lifecycle state of an institution link.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusError   Status = "ERROR"
	StatusRevoked Status = "REVOKED"
)

// Domain errors
var (
	ErrLinkNotFound      = errors.New("institution link not found")
	ErrSessionNotFound   = errors.New("link session not found")
	ErrInvalidClientUser = errors.New("client user id is required")

	ErrGatewayUnavailable = errors.New("aggregator gateway unavailable")
	ErrGatewayRejected    = errors.New("aggregator gateway rejected the request")

	ErrInvalidPublicToken = errors.New("public token is required")
	ErrSessionConsumed    = errors.New("link session already consumed")
	ErrSessionExpired     = errors.New("link session expired")
	ErrExchangeRejected   = errors.New("public token exchange rejected")
	ErrPersistenceFailure = errors.New("failed to persist institution link")

	ErrInvalidTransition = errors.New("invalid link flow transition")
)

// InstitutionLink is a durable connection to one institution through the
// aggregator. AccessCredential is plaintext in memory and sealed at rest.
type InstitutionLink struct {
	ID               string    `json:"linkId"`
	ClientUserID     string    `json:"-"`
	ItemID           string    `json:"itemId"`
	InstitutionID    string    `json:"institutionId"`
	InstitutionName  string    `json:"institutionName"`
	AccessCredential string    `json:"-"`
	LastSyncCursor   *string   `json:"-"`
	Status           Status    `json:"status"`
	ErrorCode        *string   `json:"errorCode,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Cursor returns the last committed sync cursor or "" for a full sync.
func (l *InstitutionLink) Cursor() string {
	if l.LastSyncCursor == nil {
		return ""
	}
	return *l.LastSyncCursor
}

// Institution is the metadata reported by the linking widget.
type Institution struct {
	ID   string `json:"institutionId"`
	Name string `json:"institutionName"`
}

// Session is a one-time token that opens the linking widget.
type Session struct {
	Token        string    `json:"sessionToken"`
	ClientUserID string    `json:"-"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Consumed     bool      `json:"consumed"`
}

// Expired reports whether the session can no longer be exchanged at now.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Usable reports whether the session can still be handed to the widget.
func (s Session) Usable(now time.Time) bool {
	return !s.Consumed && !s.Expired(now)
}

// UpsertParams contains the fields persisted after a successful exchange.
// The repository keys the upsert on ItemID; ID is used only on insert.
type UpsertParams struct {
	ID               string
	ClientUserID     string
	ItemID           string
	InstitutionID    string
	InstitutionName  string
	AccessCredential string
}

// Validate validates the upsert parameters
func (p UpsertParams) Validate() error {
	if p.ID == "" {
		return errors.New("link ID is required")
	}
	if p.ClientUserID == "" {
		return ErrInvalidClientUser
	}
	if p.ItemID == "" {
		return errors.New("item ID is required")
	}
	if p.AccessCredential == "" {
		return errors.New("access credential is required")
	}
	return nil
}
