package account

import "context"

// Repository defines the interface for account data access
// This interface is defined in the domain layer, but implemented in the infrastructure layer
type Repository interface {
	// Upsert creates or refreshes an account based on its ID
	Upsert(ctx context.Context, params UpsertParams) (*Account, error)

	// GetByID retrieves an account by its ID
	GetByID(ctx context.Context, id string) (*Account, error)

	// ListByLinkID retrieves the accounts of one institution link
	ListByLinkID(ctx context.Context, linkID string) ([]*Account, error)

	// ListByClientUserID retrieves the user's accounts on non-revoked links
	ListByClientUserID(ctx context.Context, clientUserID string) ([]*AccountWithLink, error)
}
