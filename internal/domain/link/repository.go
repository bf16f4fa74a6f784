package link

import "context"

// Repository defines the interface for institution link data access
type Repository interface {
	// Upsert inserts a link or refreshes the one with the same item id.
	// Refreshing a REVOKED link resets its cursor and reactivates it.
	Upsert(ctx context.Context, params UpsertParams) (*InstitutionLink, error)

	// GetByID returns ErrLinkNotFound when the link does not exist.
	GetByID(ctx context.Context, id string) (*InstitutionLink, error)

	ListByClientUserID(ctx context.Context, clientUserID string) ([]*InstitutionLink, error)

	// UpdateStatus sets the status and error code of a link.
	UpdateStatus(ctx context.Context, id string, status Status, errorCode *string) error

	// Revoke marks the link REVOKED, drops its credential and deletes its
	// accounts and their transactions in one database transaction.
	Revoke(ctx context.Context, id string) error
}
