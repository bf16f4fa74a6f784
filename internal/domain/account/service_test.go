package account

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

// MockRepository is a mock implementation of Repository interface
type MockRepository struct {
	UpsertFunc             func(ctx context.Context, params UpsertParams) (*Account, error)
	GetByIDFunc            func(ctx context.Context, id string) (*Account, error)
	ListByLinkIDFunc       func(ctx context.Context, linkID string) ([]*Account, error)
	ListByClientUserIDFunc func(ctx context.Context, clientUserID string) ([]*AccountWithLink, error)
}

func (m *MockRepository) Upsert(ctx context.Context, params UpsertParams) (*Account, error) {
	if m.UpsertFunc != nil {
		return m.UpsertFunc(ctx, params)
	}
	return nil, nil
}

func (m *MockRepository) GetByID(ctx context.Context, id string) (*Account, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, ErrAccountNotFound
}

func (m *MockRepository) ListByLinkID(ctx context.Context, linkID string) ([]*Account, error) {
	if m.ListByLinkIDFunc != nil {
		return m.ListByLinkIDFunc(ctx, linkID)
	}
	return nil, nil
}

func (m *MockRepository) ListByClientUserID(ctx context.Context, clientUserID string) ([]*AccountWithLink, error) {
	if m.ListByClientUserIDFunc != nil {
		return m.ListByClientUserIDFunc(ctx, clientUserID)
	}
	return nil, nil
}

func TestUpsertAccount(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		params   UpsertParams
		mock     func() *MockRepository
		wantErr  bool
		errType  error
		wantType string
	}{
		{
			name: "Success with default currency",
			params: UpsertParams{
				ID:             "acc-123",
				LinkID:         "link-1",
				Name:           "Plaid Checking",
				Type:           "depository",
				CurrentBalance: decimal.NewNullDecimal(decimal.RequireFromString("110.00")),
			},
			mock: func() *MockRepository {
				return &MockRepository{
					UpsertFunc: func(ctx context.Context, params UpsertParams) (*Account, error) {
						if params.Currency != DefaultCurrency {
							t.Errorf("expected default currency, got %s", params.Currency)
						}
						return &Account{ID: params.ID, LinkID: params.LinkID, Type: params.Type, Currency: params.Currency}, nil
					},
				}
			},
			wantType: TypeDepository,
		},
		{
			name:   "Brokerage normalized to investment",
			params: UpsertParams{ID: "acc-9", LinkID: "link-1", Name: "Brokerage", Type: "brokerage", Currency: "usd"},
			mock: func() *MockRepository {
				return &MockRepository{
					UpsertFunc: func(ctx context.Context, params UpsertParams) (*Account, error) {
						return &Account{ID: params.ID, Type: params.Type, Currency: params.Currency}, nil
					},
				}
			},
			wantType: TypeInvestment,
		},
		{
			name:   "Unsupported type",
			params: UpsertParams{ID: "acc-1", LinkID: "link-1", Name: "Other", Type: "other"},
			mock: func() *MockRepository {
				return &MockRepository{}
			},
			wantErr: true,
			errType: ErrInvalidAccountType,
		},
		{
			name:   "Invalid currency",
			params: UpsertParams{ID: "acc-1", LinkID: "link-1", Name: "Checking", Type: "depository", Currency: "ZZZ"},
			mock: func() *MockRepository {
				return &MockRepository{}
			},
			wantErr: true,
			errType: ErrInvalidCurrency,
		},
		{
			name:   "Repository error",
			params: UpsertParams{ID: "acc-1", LinkID: "link-1", Name: "Checking", Type: "depository"},
			mock: func() *MockRepository {
				return &MockRepository{
					UpsertFunc: func(ctx context.Context, params UpsertParams) (*Account, error) {
						return nil, errors.New("db error")
					},
				}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := NewService(tt.mock())

			acc, err := service.UpsertAccount(ctx, tt.params)

			if tt.wantErr {
				if err == nil {
					t.Fatalf("UpsertAccount() expected error, got nil")
				}
				if tt.errType != nil && !errors.Is(err, tt.errType) {
					t.Errorf("UpsertAccount() expected error %v, got %v", tt.errType, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("UpsertAccount() unexpected error: %v", err)
			}
			if acc.Type != tt.wantType {
				t.Errorf("UpsertAccount() type = %s, want %s", acc.Type, tt.wantType)
			}
		})
	}
}

func TestGetAccount(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name         string
		accountID    string
		clientUserID string
		mock         func() *MockRepository
		errType      error
	}{
		{
			name:         "Success",
			accountID:    "acc-123",
			clientUserID: "user-1",
			mock: func() *MockRepository {
				return &MockRepository{
					GetByIDFunc: func(ctx context.Context, id string) (*Account, error) {
						return &Account{ID: id, ClientUserID: "user-1"}, nil
					},
				}
			},
		},
		{
			name:         "Not Found",
			accountID:    "acc-999",
			clientUserID: "user-1",
			mock: func() *MockRepository {
				return &MockRepository{}
			},
			errType: ErrAccountNotFound,
		},
		{
			name:         "Forbidden",
			accountID:    "acc-123",
			clientUserID: "user-2",
			mock: func() *MockRepository {
				return &MockRepository{
					GetByIDFunc: func(ctx context.Context, id string) (*Account, error) {
						return &Account{ID: id, ClientUserID: "user-1"}, nil
					},
				}
			},
			errType: ErrForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := NewService(tt.mock())

			acc, err := service.GetAccount(ctx, tt.accountID, tt.clientUserID)
			if tt.errType != nil {
				if !errors.Is(err, tt.errType) {
					t.Errorf("GetAccount() error = %v, want %v", err, tt.errType)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetAccount() unexpected error: %v", err)
			}
			if acc.ID != tt.accountID {
				t.Errorf("GetAccount() ID = %s, want %s", acc.ID, tt.accountID)
			}
		})
	}
}

func TestListAccounts(t *testing.T) {
	ctx := context.Background()

	repo := &MockRepository{
		ListByClientUserIDFunc: func(ctx context.Context, clientUserID string) ([]*AccountWithLink, error) {
			return []*AccountWithLink{
				{Account: Account{ID: "acc-1"}, InstitutionName: "First Bank", LinkStatus: "ACTIVE"},
				{Account: Account{ID: "acc-2", ErrorFlag: true}, InstitutionName: "Second Bank", LinkStatus: "ERROR"},
			}, nil
		},
	}
	service := NewService(repo)

	accounts, err := service.ListAccounts(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListAccounts() unexpected error: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("ListAccounts() returned %d accounts, want 2", len(accounts))
	}
	if !accounts[1].ErrorFlag {
		t.Errorf("errored account should be listed with its flag")
	}

	if _, err := service.ListAccounts(ctx, ""); err == nil {
		t.Errorf("ListAccounts() expected error for empty client user")
	}
}
