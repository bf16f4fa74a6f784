package openfinance

import (
	"context"
)

// ClientInterface defines the methods required from the aggregator gateway client
type ClientInterface interface {
	CreateLinkToken(ctx context.Context, clientUserID string) (*LinkTokenResponse, error)
	ExchangePublicToken(ctx context.Context, publicToken string) (*ExchangeResponse, error)
	GetAccounts(ctx context.Context, accessToken string) (*AccountsResponse, error)
	SyncTransactions(ctx context.Context, accessToken, cursor string, count int) (*SyncResponse, error)
	RemoveItem(ctx context.Context, accessToken string) error
}
