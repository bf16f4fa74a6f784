package link

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	ofclient "finlink/internal/infrastructure/openfinance"
	"finlink/internal/shared/backoff"
)

var tracer = otel.Tracer("finlink/link")

// pendingRetention bounds how long an unjournaled exchange is held in memory.
const pendingRetention = 24 * time.Hour

// ExchangeRequest carries the widget's completion event.
type ExchangeRequest struct {
	ClientUserID string
	// SessionToken selects the session being completed. Empty means the
	// user's most recent session.
	SessionToken string
	PublicToken  string
	Institution  Institution
}

// ExchangeCoordinator turns a public token into a persisted InstitutionLink.
// The gateway exchange happens at most once per public token: its result is
// journaled before persistence and replayed on retry. Entries the journal
// could not store are held in memory until the link is persisted.
type ExchangeCoordinator struct {
	sessions *SessionClient
	gateway  Gateway
	repo     Repository
	journal  ExchangeJournal
	pending  *MemoryJournal
	retry    backoff.Policy
	logger   *zap.Logger

	group singleflight.Group
}

// NewExchangeCoordinator creates a new exchange coordinator
func NewExchangeCoordinator(
	sessions *SessionClient,
	gateway Gateway,
	repo Repository,
	journal ExchangeJournal,
	retry backoff.Policy,
	logger *zap.Logger,
) *ExchangeCoordinator {
	return &ExchangeCoordinator{
		sessions: sessions,
		gateway:  gateway,
		repo:     repo,
		journal:  journal,
		pending:  NewMemoryJournal(),
		retry:    retry,
		logger:   logger,
	}
}

// Exchange completes the link handshake. Duplicate concurrent requests from
// one user for the same public token share one result.
func (c *ExchangeCoordinator) Exchange(ctx context.Context, req ExchangeRequest) (*InstitutionLink, error) {
	if req.ClientUserID == "" {
		return nil, ErrInvalidClientUser
	}
	if req.PublicToken == "" {
		return nil, ErrInvalidPublicToken
	}

	key := req.ClientUserID + "\x00" + req.PublicToken
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.exchange(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*InstitutionLink), nil
}

func (c *ExchangeCoordinator) exchange(ctx context.Context, req ExchangeRequest) (*InstitutionLink, error) {
	ctx, span := tracer.Start(ctx, "link.Exchange")
	defer span.End()

	link, err := c.doExchange(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("link.id", link.ID))
	return link, nil
}

func (c *ExchangeCoordinator) doExchange(ctx context.Context, req ExchangeRequest) (*InstitutionLink, error) {
	entry, _ := c.pending.Get(ctx, req.PublicToken)
	if entry == nil {
		var err error
		entry, err = c.journal.Get(ctx, req.PublicToken)
		if err != nil {
			// Without the journal a retry could exchange twice; refuse instead.
			return nil, fmt.Errorf("%w: failed to read exchange journal: %w", ErrPersistenceFailure, err)
		}
	}
	if entry != nil {
		if entry.ClientUserID != req.ClientUserID {
			return nil, ErrExchangeRejected
		}
		return c.replay(ctx, req.PublicToken, entry)
	}

	session, err := c.sessions.Consume(req.ClientUserID, req.SessionToken)
	if err != nil {
		return nil, err
	}

	resp, err := c.gateway.ExchangePublicToken(ctx, req.PublicToken)
	if err != nil {
		if ofclient.IsRetryable(err) {
			c.sessions.Release(session.Token)
			return nil, fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrExchangeRejected, err)
	}

	entry = &JournalEntry{
		ClientUserID:     req.ClientUserID,
		ItemID:           resp.ItemID,
		AccessCredential: resp.AccessToken,
		InstitutionID:    req.Institution.ID,
		InstitutionName:  req.Institution.Name,
		ExchangedAt:      time.Now().UTC(),
	}
	c.record(ctx, req.PublicToken, *entry)

	return c.persist(ctx, req.PublicToken, entry)
}

// record journals an exchange result. When the journal stays unavailable the
// entry is held in memory so a retry on this instance still replays it.
func (c *ExchangeCoordinator) record(ctx context.Context, publicToken string, entry JournalEntry) {
	err := backoff.Retry(ctx, c.retry, nil, func(ctx context.Context) error {
		return c.journal.Put(ctx, publicToken, entry)
	})
	if err == nil {
		return
	}
	c.logger.Error("failed to journal exchange, holding entry in memory",
		zap.String("item_id", entry.ItemID),
		zap.Error(err),
	)
	c.pending.Prune(time.Now().Add(-pendingRetention))
	_ = c.pending.Put(ctx, publicToken, entry)
}

// replay answers a retried exchange from the journal.
func (c *ExchangeCoordinator) replay(ctx context.Context, publicToken string, entry *JournalEntry) (*InstitutionLink, error) {
	if entry.LinkID != "" {
		link, err := c.repo.GetByID(ctx, entry.LinkID)
		if err == nil {
			c.logger.Info("exchange replayed from journal", zap.String("link_id", link.ID))
			return link, nil
		}
		if !errors.Is(err, ErrLinkNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
		}
	}
	return c.persist(ctx, publicToken, entry)
}

// persist upserts the link with bounded retries. On failure the journal
// entry is kept so the caller can retry without a second gateway call.
func (c *ExchangeCoordinator) persist(ctx context.Context, publicToken string, entry *JournalEntry) (*InstitutionLink, error) {
	params := UpsertParams{
		ID:               uuid.NewString(),
		ClientUserID:     entry.ClientUserID,
		ItemID:           entry.ItemID,
		InstitutionID:    entry.InstitutionID,
		InstitutionName:  entry.InstitutionName,
		AccessCredential: entry.AccessCredential,
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}

	var link *InstitutionLink
	err := backoff.Retry(ctx, c.retry, nil, func(ctx context.Context) error {
		var err error
		link, err = c.repo.Upsert(ctx, params)
		return err
	})
	if err != nil {
		c.logger.Error("failed to persist institution link",
			zap.String("item_id", entry.ItemID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}

	_ = c.pending.MarkLinked(ctx, publicToken, link.ID)
	if err := c.journal.MarkLinked(ctx, publicToken, link.ID); err != nil {
		c.logger.Warn("failed to mark journal entry linked",
			zap.String("link_id", link.ID),
			zap.Error(err),
		)
	}

	c.logger.Info("institution linked",
		zap.String("link_id", link.ID),
		zap.String("institution_id", link.InstitutionID),
	)
	return link, nil
}
