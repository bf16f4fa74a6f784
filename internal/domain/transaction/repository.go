package transaction

import (
	"context"
)

// Repository defines the interface for transaction data access
type Repository interface {
	// ApplyDelta applies removals, modifications and additions in order and
	// advances the link cursor in the same database transaction. It returns
	// ErrCursorConflict when the stored cursor no longer equals PrevCursor.
	ApplyDelta(ctx context.Context, delta Delta) (*DeltaResult, error)

	Create(ctx context.Context, params CreateParams) (*Transaction, error)
	GetByID(ctx context.Context, id string) (*Transaction, error)
	Delete(ctx context.Context, id string) error

	// List returns transactions newest first. A non-positive Limit means
	// no limit.
	List(ctx context.Context, filter ListFilter) ([]*Transaction, error)
}
