package insights

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"finlink/internal/domain/account"
	"finlink/internal/domain/transaction"
)

// Summary holds the dashboard totals.
type Summary struct {
	// TotalBalance sums current balances of accounts without errors.
	TotalBalance decimal.Decimal `json:"totalBalance"`
	Spending     decimal.Decimal `json:"spending"`
	Income       decimal.Decimal `json:"income"`
	Accounts     int             `json:"accounts"`
	Errored      int             `json:"erroredAccounts"`
}

// Summarize computes dashboard totals. Errored accounts are counted but
// their balances are left out.
func Summarize(accounts []*account.AccountWithLink, txs []*transaction.Transaction) Summary {
	var s Summary
	for _, acc := range accounts {
		if acc == nil {
			continue
		}
		s.Accounts++
		if acc.ErrorFlag {
			s.Errored++
			continue
		}
		if acc.CurrentBalance.Valid {
			s.TotalBalance = s.TotalBalance.Add(acc.CurrentBalance.Decimal)
		}
	}
	for _, tx := range txs {
		if tx == nil {
			continue
		}
		switch {
		case tx.Amount.IsNegative():
			s.Spending = s.Spending.Add(tx.Amount.Abs())
		case tx.Amount.IsPositive():
			s.Income = s.Income.Add(tx.Amount)
		}
	}
	s.TotalBalance = s.TotalBalance.Round(2)
	s.Spending = s.Spending.Round(2)
	s.Income = s.Income.Round(2)
	return s
}

// TransactionLister is satisfied by transaction.Repository.
type TransactionLister interface {
	List(ctx context.Context, filter transaction.ListFilter) ([]*transaction.Transaction, error)
}

// AccountLister is satisfied by account.Service.
type AccountLister interface {
	ListAccounts(ctx context.Context, clientUserID string) ([]*account.AccountWithLink, error)
}

// Service loads a user's stored data and aggregates it.
type Service struct {
	transactions TransactionLister
	accounts     AccountLister
}

// NewService creates a new insights service
func NewService(transactions TransactionLister, accounts AccountLister) *Service {
	return &Service{transactions: transactions, accounts: accounts}
}

func (s *Service) Categories(ctx context.Context, clientUserID string) ([]CategoryBucket, error) {
	txs, err := s.load(ctx, clientUserID)
	if err != nil {
		return nil, err
	}
	return AggregateByCategory(txs), nil
}

func (s *Service) Months(ctx context.Context, clientUserID string) ([]MonthBucket, error) {
	txs, err := s.load(ctx, clientUserID)
	if err != nil {
		return nil, err
	}
	return AggregateByMonth(txs), nil
}

func (s *Service) Summary(ctx context.Context, clientUserID string) (*Summary, error) {
	accounts, err := s.accounts.ListAccounts(ctx, clientUserID)
	if err != nil {
		return nil, err
	}
	txs, err := s.load(ctx, clientUserID)
	if err != nil {
		return nil, err
	}
	summary := Summarize(accounts, txs)
	return &summary, nil
}

func (s *Service) load(ctx context.Context, clientUserID string) ([]*transaction.Transaction, error) {
	txs, err := s.transactions.List(ctx, transaction.ListFilter{ClientUserID: clientUserID})
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}
	return txs, nil
}
