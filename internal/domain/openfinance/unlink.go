package openfinance

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"finlink/internal/domain/link"
	ofclient "finlink/internal/infrastructure/openfinance"
)

// Unlinker disconnects institution links.
type Unlinker struct {
	gateway SyncGateway
	links   link.Repository
	locker  Locker
	alerter Alerter
	logger  *zap.Logger
}

// NewUnlinker creates a new unlinker
func NewUnlinker(gateway SyncGateway, links link.Repository, locker Locker, alerter Alerter, logger *zap.Logger) *Unlinker {
	if alerter == nil {
		alerter = NopAlerter{}
	}
	return &Unlinker{gateway: gateway, links: links, locker: locker, alerter: alerter, logger: logger}
}

// Disconnect removes the item at the aggregator (best effort) and revokes
// the link, deleting its accounts and transactions. It holds the link lock
// so it never races a sync. Disconnecting a revoked link is a no-op.
func (u *Unlinker) Disconnect(ctx context.Context, clientUserID, linkID string) (*link.InstitutionLink, error) {
	release, err := u.locker.Acquire(ctx, linkID)
	if err != nil {
		return nil, err
	}
	defer release()

	l, err := u.links.GetByID(ctx, linkID)
	if err != nil {
		return nil, err
	}
	if l.ClientUserID != clientUserID {
		return nil, link.ErrLinkNotFound
	}
	if l.Status == link.StatusRevoked {
		return l, nil
	}

	if l.AccessCredential != "" {
		if err := u.gateway.RemoveItem(ctx, l.AccessCredential); err != nil {
			u.logger.Warn("failed to remove item at aggregator",
				zap.String("link_id", l.ID),
				zap.String("error_code", ofclient.Code(err)),
				zap.Error(err),
			)
		}
	}

	if err := u.links.Revoke(ctx, l.ID); err != nil {
		return nil, fmt.Errorf("failed to revoke link: %w", err)
	}
	l.Status = link.StatusRevoked
	l.AccessCredential = ""
	l.LastSyncCursor = nil

	u.alerter.LinkRevoked(ctx, l)
	u.logger.Info("link disconnected", zap.String("link_id", l.ID))
	return l, nil
}
