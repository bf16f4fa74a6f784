package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"finlink/internal/domain/openfinance"
)

// LinkSyncer is satisfied by openfinance.SyncEngine.
type LinkSyncer interface {
	Sync(ctx context.Context, linkID string) (*openfinance.SyncResult, error)
}

// LinkSyncJob syncs one institution link.
type LinkSyncJob struct {
	clientUserID string
	linkID       string
	syncer       LinkSyncer
	logger       *zap.Logger
}

func NewLinkSyncJob(clientUserID, linkID string, syncer LinkSyncer, logger *zap.Logger) *LinkSyncJob {
	return &LinkSyncJob{
		clientUserID: clientUserID,
		linkID:       linkID,
		syncer:       syncer,
		logger:       logger,
	}
}

// Execute runs the sync. A sync already running for the link is not a
// failure; its result covers this request.
func (j *LinkSyncJob) Execute(ctx context.Context) error {
	result, err := j.syncer.Sync(ctx, j.linkID)
	if errors.Is(err, openfinance.ErrSyncInProgress) {
		j.logger.Debug("sync already running", zap.String("link_id", j.linkID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	j.logger.Debug("background sync complete",
		zap.String("link_id", j.linkID),
		zap.Int("added", len(result.Added)),
		zap.Int("pages", result.Pages),
	)
	return nil
}

func (j *LinkSyncJob) UserID() string {
	return j.clientUserID
}

func (j *LinkSyncJob) Description() string {
	return fmt.Sprintf("Sync for link %s", j.linkID)
}
