package transaction

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction sources
const (
	SourceAggregator = "aggregator"
	SourceManual     = "manual"
)

// ManualIDPrefix namespaces locally generated ids. Aggregator ids never
// carry it.
const ManualIDPrefix = "manual:"

// Domain errors
var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrReservedID          = errors.New("transaction id uses the manual namespace")
	ErrNotManual           = errors.New("only manual transactions can be deleted")
	ErrCursorConflict      = errors.New("sync cursor changed concurrently")
	ErrInvalidInput        = errors.New("invalid input")
)

// Transaction is one money movement. Amount is negative for outflows.
type Transaction struct {
	ID          string          `json:"transactionId"`
	AccountID   string          `json:"accountId"`
	Date        time.Time       `json:"date"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Category    *string         `json:"category"`
	Source      string          `json:"source"`
	Pending     bool            `json:"pending"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// IsManualID reports whether id belongs to the manual namespace.
func IsManualID(id string) bool {
	return strings.HasPrefix(id, ManualIDPrefix)
}

// UpsertParams is one aggregator transaction in a delta page.
type UpsertParams struct {
	ID          string
	AccountID   string
	Date        time.Time
	Description string
	Amount      decimal.Decimal
	Category    *string
	Pending     bool
}

// Validate validates the upsert parameters
func (p UpsertParams) Validate() error {
	if p.ID == "" {
		return errors.New("transaction ID is required")
	}
	if IsManualID(p.ID) {
		return ErrReservedID
	}
	if p.AccountID == "" {
		return errors.New("account ID is required")
	}
	if p.Date.IsZero() {
		return errors.New("transaction date is required")
	}
	return nil
}

// CreateParams contains parameters for inserting a transaction
type CreateParams struct {
	ID          string
	AccountID   string
	Date        time.Time
	Description string
	Amount      decimal.Decimal
	Category    *string
	Source      string
}

// ManualParams is a user-entered transaction.
type ManualParams struct {
	AccountID   string          `json:"accountId"`
	Date        string          `json:"date"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Category    *string         `json:"category"`
}

// Delta is one page of changes for a link, applied atomically together
// with the cursor advance from PrevCursor to NextCursor.
type Delta struct {
	LinkID     string
	PrevCursor *string
	NextCursor string
	Removed    []string
	Modified   []UpsertParams
	Added      []UpsertParams
}

// DeltaResult holds the rows a page actually wrote and the ids it deleted.
// Replayed counts additions whose id was already stored; they are not in
// Added.
type DeltaResult struct {
	Added    []*Transaction
	Modified []*Transaction
	Removed  []string
	Replayed int
}

// ListFilter narrows a transaction listing. Zero values mean no bound.
type ListFilter struct {
	ClientUserID string
	AccountID    string
	From         *time.Time
	To           *time.Time
	Limit        int
	Offset       int
}
