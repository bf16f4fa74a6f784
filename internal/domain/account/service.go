package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Service contains the business logic for account operations
type Service struct {
	repo Repository
}

// NewService creates a new account service
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// GetAccount retrieves an account by ID and verifies user ownership
func (s *Service) GetAccount(ctx context.Context, accountID, clientUserID string) (*Account, error) {
	account, err := s.repo.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	// Business rule: verify ownership
	if account.ClientUserID != clientUserID {
		return nil, ErrForbidden
	}

	return account, nil
}

// ListAccounts retrieves all accounts visible to a client user, errored
// ones included so the caller can prompt a targeted relink.
func (s *Service) ListAccounts(ctx context.Context, clientUserID string) ([]*AccountWithLink, error) {
	if clientUserID == "" {
		return nil, errors.New("client user ID is required")
	}

	accounts, err := s.repo.ListByClientUserID(ctx, clientUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// ListByLink retrieves the accounts of one link.
func (s *Service) ListByLink(ctx context.Context, linkID string) ([]*Account, error) {
	return s.repo.ListByLinkID(ctx, linkID)
}

// UpsertAccount creates or updates an account with validation
func (s *Service) UpsertAccount(ctx context.Context, params UpsertParams) (*Account, error) {
	// Apply default currency if not provided
	if params.Currency == "" {
		params.Currency = DefaultCurrency
	}
	params.Currency = strings.ToUpper(params.Currency)

	accountType, err := NormalizeType(params.Type)
	if err != nil {
		return nil, err
	}
	params.Type = accountType

	if err := params.Validate(); err != nil {
		return nil, err
	}

	return s.repo.Upsert(ctx, params)
}
