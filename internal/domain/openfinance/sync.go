package openfinance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"finlink/internal/domain/account"
	"finlink/internal/domain/link"
	"finlink/internal/domain/transaction"
	ofclient "finlink/internal/infrastructure/openfinance"
	"finlink/internal/shared/backoff"
	"finlink/internal/shared/logging"
)

var (
	syncTracer          = otel.Tracer("finlink/sync")
	syncMeter           = otel.Meter("finlink/sync")
	syncDuration, _     = syncMeter.Float64Histogram("sync.duration", metric.WithDescription("Link sync duration in seconds"), metric.WithUnit("s"))
	syncRuns, _         = syncMeter.Int64Counter("sync.runs", metric.WithDescription("Link syncs by outcome"))
	syncPages, _        = syncMeter.Int64Counter("sync.pages", metric.WithDescription("Delta pages applied"))
	syncTransactions, _ = syncMeter.Int64Counter("sync.transactions", metric.WithDescription("Transactions applied by change type"))
)

// SyncGateway is the subset of the aggregator client used by sync.
type SyncGateway interface {
	GetAccounts(ctx context.Context, accessToken string) (*ofclient.AccountsResponse, error)
	SyncTransactions(ctx context.Context, accessToken, cursor string, count int) (*ofclient.SyncResponse, error)
	RemoveItem(ctx context.Context, accessToken string) error
}

// AccountStore is satisfied by account.Service.
type AccountStore interface {
	UpsertAccount(ctx context.Context, params account.UpsertParams) (*account.Account, error)
	ListByLink(ctx context.Context, linkID string) ([]*account.Account, error)
}

// SyncConfig bounds gateway calls made during a sync.
type SyncConfig struct {
	PageSize    int
	CallTimeout time.Duration
	Retry       backoff.Policy
}

// SyncResult is what one sync run applied across all pages: the rows it
// inserted and updated, the ids it removed, and the cursor it committed.
// Replayed additions are counted but not listed in Added.
type SyncResult struct {
	LinkID          string                     `json:"linkId"`
	Added           []*transaction.Transaction `json:"added"`
	Modified        []*transaction.Transaction `json:"modified"`
	Removed         []string                   `json:"removed"`
	NewCursor       string                     `json:"newCursor"`
	Replayed        int                        `json:"replayed"`
	Pages           int                        `json:"pages"`
	FlaggedAccounts []string                   `json:"flaggedAccounts"`
	Skipped         int                        `json:"skipped"`
}

func newSyncResult(l *link.InstitutionLink) *SyncResult {
	return &SyncResult{
		LinkID:          l.ID,
		Added:           []*transaction.Transaction{},
		Modified:        []*transaction.Transaction{},
		Removed:         []string{},
		NewCursor:       l.Cursor(),
		FlaggedAccounts: []string{},
	}
}

// SyncEngine refreshes a link's accounts and applies the transaction delta
// feed page by page. Each page commits together with its cursor, so an
// interrupted sync resumes from the last committed page.
type SyncEngine struct {
	gateway      SyncGateway
	links        link.Repository
	accounts     AccountStore
	transactions transaction.Repository
	locker       Locker
	alerter      Alerter
	cfg          SyncConfig
	logger       *zap.Logger
}

// NewSyncEngine creates a new sync engine
func NewSyncEngine(
	gateway SyncGateway,
	links link.Repository,
	accounts AccountStore,
	transactions transaction.Repository,
	locker Locker,
	alerter Alerter,
	cfg SyncConfig,
	logger *zap.Logger,
) *SyncEngine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if alerter == nil {
		alerter = NopAlerter{}
	}
	return &SyncEngine{
		gateway:      gateway,
		links:        links,
		accounts:     accounts,
		transactions: transactions,
		locker:       locker,
		alerter:      alerter,
		cfg:          cfg,
		logger:       logger,
	}
}

// Sync refreshes one link. A second call for the same link while one is
// running fails with ErrSyncInProgress.
func (e *SyncEngine) Sync(ctx context.Context, linkID string) (*SyncResult, error) {
	release, err := e.locker.Acquire(ctx, linkID)
	if err != nil {
		syncRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "conflict")))
		return nil, err
	}
	defer release()

	ctx, span := syncTracer.Start(ctx, "sync.link", trace.WithAttributes(attribute.String("link.id", linkID)))
	defer span.End()

	start := time.Now()
	result, err := e.sync(ctx, linkID)
	syncDuration.Record(ctx, time.Since(start).Seconds())

	logger := logging.FromContext(ctx, e.logger).With(zap.String("link_id", linkID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		syncRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(err))))
		logger.Warn("sync failed", zap.Error(err))
		return nil, err
	}

	syncRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "success")))
	span.SetAttributes(
		attribute.Int("sync.pages", result.Pages),
		attribute.Int("sync.added", len(result.Added)),
	)
	logger.Info("sync complete",
		zap.Int("pages", result.Pages),
		zap.Int("added", len(result.Added)),
		zap.Int("modified", len(result.Modified)),
		zap.Int("removed", len(result.Removed)),
		zap.Int("replayed", result.Replayed),
		zap.Int("skipped", result.Skipped),
		zap.Strings("flagged_accounts", result.FlaggedAccounts),
	)
	return result, nil
}

// SyncForUser syncs linkID after checking that clientUserID owns it.
// Links owned by someone else are reported as not found.
func (e *SyncEngine) SyncForUser(ctx context.Context, clientUserID, linkID string) (*SyncResult, error) {
	l, err := e.links.GetByID(ctx, linkID)
	if err != nil {
		return nil, err
	}
	if l.ClientUserID != clientUserID {
		return nil, link.ErrLinkNotFound
	}
	return e.Sync(ctx, linkID)
}

// SyncableLinks returns the ids of the user's links that are not revoked.
func (e *SyncEngine) SyncableLinks(ctx context.Context, clientUserID string) ([]string, error) {
	links, err := e.links.ListByClientUserID(ctx, clientUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	ids := make([]string, 0, len(links))
	for _, l := range links {
		if l.Status != link.StatusRevoked {
			ids = append(ids, l.ID)
		}
	}
	return ids, nil
}

func (e *SyncEngine) sync(ctx context.Context, linkID string) (*SyncResult, error) {
	l, err := e.links.GetByID(ctx, linkID)
	if err != nil {
		return nil, err
	}
	if l.Status == link.StatusRevoked {
		return nil, &LinkError{LinkID: l.ID, Err: ErrLinkRevoked}
	}

	result := newSyncResult(l)
	known, err := e.syncAccounts(ctx, l, result)
	if err != nil {
		return nil, err
	}

	cursor := l.LastSyncCursor
	for {
		page, err := e.fetchPage(ctx, l, cursor)
		if err != nil {
			return nil, e.gatewayFailure(ctx, l, err)
		}

		delta := e.buildDelta(l, cursor, page, known, result)
		applied, err := e.transactions.ApplyDelta(ctx, delta)
		if err != nil {
			if errors.Is(err, transaction.ErrCursorConflict) {
				return nil, &LinkError{LinkID: l.ID, Err: ErrSyncInProgress}
			}
			return nil, fmt.Errorf("failed to apply sync page: %w", err)
		}

		result.Pages++
		result.Added = append(result.Added, applied.Added...)
		result.Modified = append(result.Modified, applied.Modified...)
		result.Removed = append(result.Removed, applied.Removed...)
		result.Replayed += applied.Replayed
		e.recordPage(ctx, applied)

		next := delta.NextCursor
		cursor = &next
		result.NewCursor = next

		if !page.HasMore {
			break
		}
	}

	status, code := link.StatusActive, (*string)(nil)
	if len(result.FlaggedAccounts) > 0 {
		status = link.StatusError
		c := "ACCOUNT_ERROR"
		code = &c
	}
	if err := e.links.UpdateStatus(ctx, l.ID, status, code); err != nil {
		return nil, fmt.Errorf("failed to update link status: %w", err)
	}

	e.alerter.SyncCompleted(ctx, l, len(result.Added))
	return result, nil
}

// syncAccounts refreshes the link's accounts and returns the ids the link
// owns. Account-level errors flag the account without failing the sync.
func (e *SyncEngine) syncAccounts(ctx context.Context, l *link.InstitutionLink, result *SyncResult) (map[string]struct{}, error) {
	var resp *ofclient.AccountsResponse
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		resp, err = e.gateway.GetAccounts(ctx, l.AccessCredential)
		return err
	})
	if err != nil {
		return nil, e.gatewayFailure(ctx, l, err)
	}

	if itemErr := resp.Item.Error; itemErr != nil && revokedCode(itemErr.ErrorCode) {
		return nil, e.revoke(ctx, l, itemErr.ErrorCode, errors.New(itemErr.ErrorMessage))
	}

	for _, acc := range resp.Accounts {
		params := account.UpsertParams{
			ID:               acc.AccountID,
			LinkID:           l.ID,
			Name:             acc.Name,
			OfficialName:     acc.OfficialName,
			Type:             acc.Type,
			Subtype:          acc.Subtype,
			Mask:             acc.Mask,
			CurrentBalance:   nullDecimal(acc.Balances.Current),
			AvailableBalance: nullDecimal(acc.Balances.Available),
		}
		if acc.Balances.IsoCurrencyCode != nil {
			params.Currency = *acc.Balances.IsoCurrencyCode
		}
		if acc.Error != nil {
			code := acc.Error.ErrorCode
			params.ErrorFlag = true
			params.ErrorCode = &code
			result.FlaggedAccounts = append(result.FlaggedAccounts, acc.AccountID)
		}

		if _, err := e.accounts.UpsertAccount(ctx, params); err != nil {
			if errors.Is(err, account.ErrInvalidAccountType) || errors.Is(err, account.ErrInvalidCurrency) {
				e.logger.Warn("skipping unsupported account",
					zap.String("link_id", l.ID),
					zap.String("account_id", acc.AccountID),
					zap.String("type", acc.Type),
					zap.Error(err),
				)
				continue
			}
			return nil, &LinkError{LinkID: l.ID, AccountID: acc.AccountID, Err: fmt.Errorf("failed to store account: %w", err)}
		}
	}

	stored, err := e.accounts.ListByLink(ctx, l.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list link accounts: %w", err)
	}
	known := make(map[string]struct{}, len(stored))
	for _, acc := range stored {
		known[acc.ID] = struct{}{}
	}
	return known, nil
}

func (e *SyncEngine) fetchPage(ctx context.Context, l *link.InstitutionLink, cursor *string) (*ofclient.SyncResponse, error) {
	from := ""
	if cursor != nil {
		from = *cursor
	}

	var page *ofclient.SyncResponse
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		page, err = e.gateway.SyncTransactions(ctx, l.AccessCredential, from, e.cfg.PageSize)
		return err
	})
	return page, err
}

// call runs fn under the per-call timeout, retrying transient failures
// with bounded exponential backoff.
func (e *SyncEngine) call(ctx context.Context, fn func(ctx context.Context) error) error {
	return backoff.Retry(ctx, e.cfg.Retry, ofclient.IsRetryable, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
		return fn(callCtx)
	})
}

// buildDelta converts a gateway page into a delta for the store. Changes
// for accounts the link does not own are skipped.
func (e *SyncEngine) buildDelta(l *link.InstitutionLink, cursor *string, page *ofclient.SyncResponse, known map[string]struct{}, result *SyncResult) transaction.Delta {
	next := page.NextCursor
	if next == "" && cursor != nil {
		next = *cursor
	}

	delta := transaction.Delta{
		LinkID:     l.ID,
		PrevCursor: cursor,
		NextCursor: next,
		Removed:    make([]string, 0, len(page.Removed)),
	}
	for _, r := range page.Removed {
		delta.Removed = append(delta.Removed, r.TransactionID)
	}

	convert := func(txs []ofclient.Transaction) []transaction.UpsertParams {
		out := make([]transaction.UpsertParams, 0, len(txs))
		for _, tx := range txs {
			if _, ok := known[tx.AccountID]; !ok {
				result.Skipped++
				e.logger.Warn("skipping transaction for unknown account",
					zap.String("link_id", l.ID),
					zap.String("account_id", tx.AccountID),
					zap.String("transaction_id", tx.TransactionID),
				)
				continue
			}
			date, err := tx.ParsedDate()
			if err != nil {
				result.Skipped++
				e.logger.Warn("skipping transaction with bad date",
					zap.String("transaction_id", tx.TransactionID),
					zap.Error(err),
				)
				continue
			}
			params := transaction.UpsertParams{
				ID:          tx.TransactionID,
				AccountID:   tx.AccountID,
				Date:        date,
				Description: tx.Description(),
				Amount:      tx.SignedAmount().Round(2),
				Category:    tx.PrimaryCategory(),
				Pending:     tx.Pending,
			}
			if err := params.Validate(); err != nil {
				result.Skipped++
				e.logger.Warn("skipping invalid transaction",
					zap.String("transaction_id", tx.TransactionID),
					zap.Error(err),
				)
				continue
			}
			out = append(out, params)
		}
		return out
	}
	delta.Modified = convert(page.Modified)
	delta.Added = convert(page.Added)
	return delta
}

// gatewayFailure maps a gateway error onto the sync taxonomy. A revoked
// credential moves the link to ERROR and asks the user to relink.
func (e *SyncEngine) gatewayFailure(ctx context.Context, l *link.InstitutionLink, err error) error {
	switch {
	case errors.Is(err, ofclient.ErrCredentialRevoked):
		return e.revoke(ctx, l, ofclient.Code(err), err)
	case errors.Is(err, ofclient.ErrRateLimited):
		return &LinkError{LinkID: l.ID, Err: fmt.Errorf("%w: %w", ErrRateLimited, err)}
	case errors.Is(err, ofclient.ErrUnavailable):
		return &LinkError{LinkID: l.ID, Err: fmt.Errorf("%w: %w", ErrTransientGateway, err)}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return &LinkError{LinkID: l.ID, Err: fmt.Errorf("%w: %w", ErrGatewayRejected, err)}
	}
}

func (e *SyncEngine) revoke(ctx context.Context, l *link.InstitutionLink, code string, cause error) error {
	if code == "" {
		code = "ITEM_LOGIN_REQUIRED"
	}
	if err := e.links.UpdateStatus(ctx, l.ID, link.StatusError, &code); err != nil {
		e.logger.Error("failed to flag link", zap.String("link_id", l.ID), zap.Error(err))
	}
	e.alerter.RelinkRequired(ctx, l, code)
	return &LinkError{LinkID: l.ID, Err: fmt.Errorf("%w: %w", ErrCredentialRevoked, cause)}
}

func (e *SyncEngine) recordPage(ctx context.Context, applied *transaction.DeltaResult) {
	syncPages.Add(ctx, 1)
	for change, n := range map[string]int{
		"added":    len(applied.Added),
		"modified": len(applied.Modified),
		"removed":  len(applied.Removed),
		"replayed": applied.Replayed,
	} {
		if n > 0 {
			syncTransactions.Add(ctx, int64(n), metric.WithAttributes(attribute.String("change", change)))
		}
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrCredentialRevoked):
		return "credential_revoked"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrTransientGateway):
		return "transient"
	case errors.Is(err, ErrSyncInProgress):
		return "conflict"
	case errors.Is(err, ErrLinkRevoked):
		return "revoked"
	default:
		return "error"
	}
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*d)
}

func revokedCode(code string) bool {
	switch code {
	case "ITEM_LOGIN_REQUIRED", "INVALID_ACCESS_TOKEN", "ACCESS_NOT_GRANTED",
		"USER_PERMISSION_REVOKED", "ITEM_NOT_FOUND", "ITEM_LOCKED":
		return true
	}
	return false
}
