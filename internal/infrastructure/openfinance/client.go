package openfinance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 10 << 20

	linkTokenCreatePath     = "/link/token/create"
	publicTokenExchangePath = "/item/public_token/exchange"
	accountsGetPath         = "/accounts/get"
	transactionsSyncPath    = "/transactions/sync"
	itemRemovePath          = "/item/remove"
)

var gatewayTracer = otel.Tracer("finlink/gateway")

// Config holds the gateway connection settings.
type Config struct {
	BaseURL      string
	ClientID     string
	Secret       string
	ClientName   string
	Products     []string
	CountryCodes []string
	Language     string
	Timeout      time.Duration
}

// Client talks to the aggregator gateway over HTTPS+JSON.
type Client struct {
	httpClient *http.Client
	baseURL    string
	cfg        Config
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

// Ensure Client implements ClientInterface
var _ ClientInterface = (*Client)(nil)

// NewClient creates a gateway client. A nil logger disables breaker logs.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL: cfg.BaseURL,
		cfg:     cfg,
		breaker: newBreaker("gateway", logger),
		logger:  logger,
	}
}

// CreateLinkToken requests a widget session for clientUserID.
func (c *Client) CreateLinkToken(ctx context.Context, clientUserID string) (*LinkTokenResponse, error) {
	req := linkTokenRequest{
		ClientID:     c.cfg.ClientID,
		Secret:       c.cfg.Secret,
		ClientName:   c.cfg.ClientName,
		User:         linkTokenUser{ClientUserID: clientUserID},
		Products:     c.cfg.Products,
		CountryCodes: c.cfg.CountryCodes,
		Language:     c.cfg.Language,
	}

	var resp LinkTokenResponse
	if err := c.post(ctx, "create_link_token", linkTokenCreatePath, req, &resp); err != nil {
		return nil, err
	}
	if resp.LinkToken == "" {
		return nil, &GatewayError{Op: "create_link_token", Kind: ErrRejected, Message: "empty link token"}
	}
	return &resp, nil
}

// ExchangePublicToken trades the widget's public token for an access credential.
func (c *Client) ExchangePublicToken(ctx context.Context, publicToken string) (*ExchangeResponse, error) {
	req := publicTokenRequest{credentials: c.credentials(), PublicToken: publicToken}

	var resp ExchangeResponse
	if err := c.post(ctx, "exchange_public_token", publicTokenExchangePath, req, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" || resp.ItemID == "" {
		return nil, &GatewayError{Op: "exchange_public_token", Kind: ErrRejected, Message: "incomplete exchange response"}
	}
	return &resp, nil
}

func (c *Client) GetAccounts(ctx context.Context, accessToken string) (*AccountsResponse, error) {
	req := accessTokenRequest{credentials: c.credentials(), AccessToken: accessToken}

	var resp AccountsResponse
	if err := c.post(ctx, "fetch_accounts", accountsGetPath, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SyncTransactions fetches one delta page starting at cursor. An empty
// cursor requests the full history.
func (c *Client) SyncTransactions(ctx context.Context, accessToken, cursor string, count int) (*SyncResponse, error) {
	req := syncRequest{
		credentials: c.credentials(),
		AccessToken: accessToken,
		Cursor:      cursor,
		Count:       count,
		Options:     &syncOptions{IncludePersonalFinanceCategory: true},
	}

	var resp SyncResponse
	if err := c.post(ctx, "fetch_transaction_delta", transactionsSyncPath, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) RemoveItem(ctx context.Context, accessToken string) error {
	req := accessTokenRequest{credentials: c.credentials(), AccessToken: accessToken}
	return c.post(ctx, "remove_item", itemRemovePath, req, nil)
}

func (c *Client) credentials() credentials {
	return credentials{ClientID: c.cfg.ClientID, Secret: c.cfg.Secret}
}

// post sends a JSON request through the circuit breaker and decodes the
// response into out. Every returned error is a *GatewayError.
func (c *Client) post(ctx context.Context, op, path string, body, out any) error {
	ctx, span := gatewayTracer.Start(ctx, "gateway."+op, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("gateway.path", path)))
	defer span.End()

	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.do(ctx, op, path, body, out)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &GatewayError{Op: op, Kind: ErrUnavailable, Err: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if code := Code(err); code != "" {
			span.SetAttributes(attribute.String("gateway.error_code", code))
		}
		return err
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &GatewayError{Op: op, Kind: ErrRejected, Err: fmt.Errorf("failed to encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &GatewayError{Op: op, Kind: ErrRejected, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network failures and timeouts (including ctx deadline) are transient.
		return &GatewayError{Op: op, Kind: ErrUnavailable, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Kind: ErrUnavailable, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		var errResp ErrorResponse
		if jsonErr := json.Unmarshal(raw, &errResp); jsonErr != nil {
			errResp = ErrorResponse{}
		}
		return &GatewayError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Code:       errResp.ErrorCode,
			Message:    errResp.ErrorMessage,
			RequestID:  errResp.RequestID,
			Kind:       classify(resp.StatusCode, &errResp),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Kind: ErrUnavailable, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}
