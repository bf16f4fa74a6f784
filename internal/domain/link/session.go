package link

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	ofclient "finlink/internal/infrastructure/openfinance"
)

// defaultSessionTTL applies when the gateway omits an expiration.
const defaultSessionTTL = 4 * time.Hour

// expiredRetention is how long an expired session is kept so that a late
// exchange still reports ErrSessionExpired instead of ErrSessionNotFound.
const expiredRetention = 24 * time.Hour

// Gateway is the subset of the aggregator client used by the link flow.
type Gateway interface {
	CreateLinkToken(ctx context.Context, clientUserID string) (*ofclient.LinkTokenResponse, error)
	ExchangePublicToken(ctx context.Context, publicToken string) (*ofclient.ExchangeResponse, error)
}

// SessionClient issues link sessions and keeps them in process memory until
// they are consumed or expire. Each client user holds at most one usable
// session at a time.
type SessionClient struct {
	gateway Gateway
	logger  *zap.Logger
	now     func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	byUser  map[string]*Session
	byToken map[string]*Session
}

// NewSessionClient creates a new session client
func NewSessionClient(gateway Gateway, logger *zap.Logger) *SessionClient {
	return &SessionClient{
		gateway: gateway,
		logger:  logger,
		now:     time.Now,
		byUser:  make(map[string]*Session),
		byToken: make(map[string]*Session),
	}
}

// CreateSession returns the caller's usable session, or requests a new one
// from the gateway. Concurrent calls for the same user share one request.
func (c *SessionClient) CreateSession(ctx context.Context, clientUserID string) (*Session, error) {
	if clientUserID == "" {
		return nil, ErrInvalidClientUser
	}

	if s, ok := c.Current(clientUserID); ok {
		return s, nil
	}

	v, err, _ := c.group.Do(clientUserID, func() (any, error) {
		if s, ok := c.Current(clientUserID); ok {
			return s, nil
		}

		resp, err := c.gateway.CreateLinkToken(ctx, clientUserID)
		if err != nil {
			if ofclient.IsRetryable(err) {
				return nil, fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
			}
			return nil, fmt.Errorf("%w: %w", ErrGatewayRejected, err)
		}

		now := c.now()
		expiresAt := resp.Expiration
		if expiresAt.IsZero() {
			expiresAt = now.Add(defaultSessionTTL)
		}
		s := &Session{
			Token:        resp.LinkToken,
			ClientUserID: clientUserID,
			ExpiresAt:    expiresAt,
		}

		c.mu.Lock()
		c.pruneLocked(now)
		c.byUser[clientUserID] = s
		c.byToken[s.Token] = s
		c.mu.Unlock()

		c.logger.Info("link session created",
			zap.String("client_user_id", clientUserID),
			zap.Time("expires_at", expiresAt),
		)
		copied := *s
		return &copied, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Current returns the user's usable session, if any.
func (c *SessionClient) Current(clientUserID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.byUser[clientUserID]
	if !ok || !s.Usable(c.now()) {
		return nil, false
	}
	copied := *s
	return &copied, true
}

// Consume marks a session consumed. An empty token selects the user's most
// recent session. The check and the mark happen under one lock so a
// session is consumed at most once.
func (c *SessionClient) Consume(clientUserID, token string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var s *Session
	if token == "" {
		s = c.byUser[clientUserID]
	} else {
		s = c.byToken[token]
	}
	if s == nil || s.ClientUserID != clientUserID {
		return nil, ErrSessionNotFound
	}
	if s.Consumed {
		return nil, ErrSessionConsumed
	}
	if s.Expired(c.now()) {
		return nil, ErrSessionExpired
	}

	s.Consumed = true
	copied := *s
	return &copied, nil
}

// Release undoes Consume after a transient exchange failure so the same
// session can be retried.
func (c *SessionClient) Release(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.byToken[token]; ok {
		s.Consumed = false
	}
}

// pruneLocked drops sessions once they have been expired for longer than
// expiredRetention. Until then Consume can still tell the owner the session
// expired.
func (c *SessionClient) pruneLocked(now time.Time) {
	cutoff := now.Add(-expiredRetention)
	for token, s := range c.byToken {
		if s.Expired(cutoff) {
			delete(c.byToken, token)
			if c.byUser[s.ClientUserID] == s {
				delete(c.byUser, s.ClientUserID)
			}
		}
	}
}

