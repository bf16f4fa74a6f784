package transaction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"finlink/internal/domain/account"
)

const (
	dateLayout       = "2006-01-02"
	defaultListLimit = 500
	maxListLimit     = 5000
)

// AccountReader resolves an account for a client user, failing with
// account.ErrForbidden when it belongs to someone else.
type AccountReader interface {
	GetAccount(ctx context.Context, accountID, clientUserID string) (*account.Account, error)
}

// Service contains the business logic for stored transactions
type Service struct {
	repo     Repository
	accounts AccountReader
}

// NewService creates a new transaction service
func NewService(repo Repository, accounts AccountReader) *Service {
	return &Service{repo: repo, accounts: accounts}
}

// CreateManual records a user-entered transaction under the manual id
// namespace.
func (s *Service) CreateManual(ctx context.Context, clientUserID string, params ManualParams) (*Transaction, error) {
	description := strings.TrimSpace(params.Description)
	if params.AccountID == "" || description == "" {
		return nil, fmt.Errorf("%w: account and description are required", ErrInvalidInput)
	}
	if params.Amount.IsZero() {
		return nil, fmt.Errorf("%w: amount must not be zero", ErrInvalidInput)
	}
	date, err := time.Parse(dateLayout, params.Date)
	if err != nil {
		return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidInput)
	}

	if _, err := s.accounts.GetAccount(ctx, params.AccountID, clientUserID); err != nil {
		return nil, err
	}

	category := params.Category
	if category != nil && strings.TrimSpace(*category) == "" {
		category = nil
	}

	return s.repo.Create(ctx, CreateParams{
		ID:          ManualIDPrefix + uuid.NewString(),
		AccountID:   params.AccountID,
		Date:        date,
		Description: description,
		Amount:      params.Amount.Round(2),
		Category:    category,
		Source:      SourceManual,
	})
}

// DeleteManual deletes a manual transaction owned by the client user.
// Aggregator transactions are read-only.
func (s *Service) DeleteManual(ctx context.Context, clientUserID, id string) error {
	tx, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if tx.Source != SourceManual {
		return ErrNotManual
	}
	if _, err := s.accounts.GetAccount(ctx, tx.AccountID, clientUserID); err != nil {
		return err
	}
	return s.repo.Delete(ctx, id)
}

// List returns the client user's transactions, newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Transaction, error) {
	if filter.ClientUserID == "" {
		return nil, fmt.Errorf("%w: client user ID is required", ErrInvalidInput)
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.repo.List(ctx, filter)
}
