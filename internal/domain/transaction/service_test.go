package transaction

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finlink/internal/domain/account"
)

// MockRepository implements Repository
type MockRepository struct {
	ApplyDeltaFunc func(ctx context.Context, delta Delta) (*DeltaResult, error)
	CreateFunc     func(ctx context.Context, params CreateParams) (*Transaction, error)
	GetByIDFunc    func(ctx context.Context, id string) (*Transaction, error)
	DeleteFunc     func(ctx context.Context, id string) error
	ListFunc       func(ctx context.Context, filter ListFilter) ([]*Transaction, error)
}

func (m *MockRepository) ApplyDelta(ctx context.Context, delta Delta) (*DeltaResult, error) {
	if m.ApplyDeltaFunc != nil {
		return m.ApplyDeltaFunc(ctx, delta)
	}
	return &DeltaResult{}, nil
}

func (m *MockRepository) Create(ctx context.Context, params CreateParams) (*Transaction, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, params)
	}
	return &Transaction{
		ID:          params.ID,
		AccountID:   params.AccountID,
		Date:        params.Date,
		Description: params.Description,
		Amount:      params.Amount,
		Category:    params.Category,
		Source:      params.Source,
	}, nil
}

func (m *MockRepository) GetByID(ctx context.Context, id string) (*Transaction, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, ErrTransactionNotFound
}

func (m *MockRepository) Delete(ctx context.Context, id string) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, id)
	}
	return nil
}

func (m *MockRepository) List(ctx context.Context, filter ListFilter) ([]*Transaction, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx, filter)
	}
	return nil, nil
}

// MockAccounts implements AccountReader with a fixed owner per account.
type MockAccounts struct {
	owners map[string]string
}

func (m *MockAccounts) GetAccount(ctx context.Context, accountID, clientUserID string) (*account.Account, error) {
	owner, ok := m.owners[accountID]
	if !ok {
		return nil, account.ErrAccountNotFound
	}
	if owner != clientUserID {
		return nil, account.ErrForbidden
	}
	return &account.Account{ID: accountID, ClientUserID: owner}, nil
}

func newAccounts() *MockAccounts {
	return &MockAccounts{owners: map[string]string{"acc-1": "user-1"}}
}

func TestCreateManual(t *testing.T) {
	food := "FOOD_AND_DRINK"
	blank := " "

	tests := []struct {
		name         string
		clientUserID string
		params       ManualParams
		wantErr      error
		wantCategory *string
	}{
		{
			name:         "Success",
			clientUserID: "user-1",
			params: ManualParams{
				AccountID:   "acc-1",
				Date:        "2024-01-05",
				Description: " Farmers market ",
				Amount:      decimal.RequireFromString("-12.505"),
				Category:    &food,
			},
			wantCategory: &food,
		},
		{
			name:         "Blank category stored as null",
			clientUserID: "user-1",
			params:       ManualParams{AccountID: "acc-1", Date: "2024-01-05", Description: "Cash", Amount: decimal.NewFromInt(-5), Category: &blank},
		},
		{
			name:         "Bad date",
			clientUserID: "user-1",
			params:       ManualParams{AccountID: "acc-1", Date: "05/01/2024", Description: "Cash", Amount: decimal.NewFromInt(-5)},
			wantErr:      ErrInvalidInput,
		},
		{
			name:         "Zero amount",
			clientUserID: "user-1",
			params:       ManualParams{AccountID: "acc-1", Date: "2024-01-05", Description: "Cash"},
			wantErr:      ErrInvalidInput,
		},
		{
			name:         "Missing description",
			clientUserID: "user-1",
			params:       ManualParams{AccountID: "acc-1", Date: "2024-01-05", Amount: decimal.NewFromInt(-5)},
			wantErr:      ErrInvalidInput,
		},
		{
			name:         "Foreign account",
			clientUserID: "user-2",
			params:       ManualParams{AccountID: "acc-1", Date: "2024-01-05", Description: "Cash", Amount: decimal.NewFromInt(-5)},
			wantErr:      account.ErrForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := NewService(&MockRepository{}, newAccounts())

			tx, err := service.CreateManual(context.Background(), tt.clientUserID, tt.params)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			assert.True(t, strings.HasPrefix(tx.ID, ManualIDPrefix))
			assert.True(t, IsManualID(tx.ID))
			assert.Equal(t, SourceManual, tx.Source)
			assert.Equal(t, strings.TrimSpace(tt.params.Description), tx.Description)
			assert.Equal(t, tt.wantCategory, tx.Category)
			assert.True(t, tx.Amount.Equal(tt.params.Amount.Round(2)))
		})
	}
}

func TestCreateManual_UniqueIDs(t *testing.T) {
	service := NewService(&MockRepository{}, newAccounts())
	params := ManualParams{AccountID: "acc-1", Date: "2024-01-05", Description: "Cash", Amount: decimal.NewFromInt(-5)}

	first, err := service.CreateManual(context.Background(), "user-1", params)
	require.NoError(t, err)
	second, err := service.CreateManual(context.Background(), "user-1", params)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
}

func TestDeleteManual(t *testing.T) {
	stored := map[string]*Transaction{
		"manual:1": {ID: "manual:1", AccountID: "acc-1", Source: SourceManual},
		"tx-1":     {ID: "tx-1", AccountID: "acc-1", Source: SourceAggregator},
	}

	tests := []struct {
		name         string
		id           string
		clientUserID string
		wantErr      error
		wantDeleted  bool
	}{
		{"manual", "manual:1", "user-1", nil, true},
		{"aggregator is read-only", "tx-1", "user-1", ErrNotManual, false},
		{"missing", "manual:2", "user-1", ErrTransactionNotFound, false},
		{"foreign", "manual:1", "user-2", account.ErrForbidden, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deleted := false
			repo := &MockRepository{
				GetByIDFunc: func(ctx context.Context, id string) (*Transaction, error) {
					if tx, ok := stored[id]; ok {
						return tx, nil
					}
					return nil, ErrTransactionNotFound
				},
				DeleteFunc: func(ctx context.Context, id string) error {
					deleted = true
					return nil
				},
			}
			service := NewService(repo, newAccounts())

			err := service.DeleteManual(context.Background(), tt.clientUserID, tt.id)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantDeleted, deleted)
		})
	}
}

func TestList_AppliesLimits(t *testing.T) {
	var got ListFilter
	repo := &MockRepository{
		ListFunc: func(ctx context.Context, filter ListFilter) ([]*Transaction, error) {
			got = filter
			return nil, nil
		},
	}
	service := NewService(repo, newAccounts())

	_, err := service.List(context.Background(), ListFilter{ClientUserID: "user-1", Offset: -3})
	require.NoError(t, err)
	assert.Equal(t, defaultListLimit, got.Limit)
	assert.Equal(t, 0, got.Offset)

	_, err = service.List(context.Background(), ListFilter{ClientUserID: "user-1", Limit: maxListLimit + 1})
	require.NoError(t, err)
	assert.Equal(t, maxListLimit, got.Limit)

	_, err = service.List(context.Background(), ListFilter{})
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestUpsertParamsValidate(t *testing.T) {
	valid := UpsertParams{ID: "tx-1", AccountID: "acc-1", Date: time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)}
	assert.NoError(t, valid.Validate())

	reserved := valid
	reserved.ID = "manual:abc"
	assert.ErrorIs(t, reserved.Validate(), ErrReservedID)

	noDate := valid
	noDate.Date = time.Time{}
	assert.Error(t, noDate.Validate())

	noAccount := valid
	noAccount.AccountID = ""
	assert.Error(t, noAccount.Validate())
}
