package openfinance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"finlink/internal/domain/link"
	"finlink/internal/domain/transaction"
	ofclient "finlink/internal/infrastructure/openfinance"
	"finlink/internal/shared/backoff"
)

const (
	testUser = "user-1"
	testLink = "link-1"
)

var fastRetry = backoff.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

type syncFixture struct {
	gateway *MockGateway
	store   *memoryStore
	alerter *recordingAlerter
	locker  *LocalLocker
	engine  *SyncEngine
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	f := &syncFixture{
		gateway: &MockGateway{},
		store:   newMemoryStore(),
		alerter: &recordingAlerter{},
		locker:  NewLocalLocker(),
	}
	f.store.addLink(&link.InstitutionLink{
		ID:               testLink,
		ClientUserID:     testUser,
		ItemID:           "item-1",
		InstitutionName:  "First Bank",
		AccessCredential: "access-1",
		Status:           link.StatusActive,
	})
	f.gateway.GetAccountsFunc = func(ctx context.Context, accessToken string) (*ofclient.AccountsResponse, error) {
		return &ofclient.AccountsResponse{Accounts: []ofclient.Account{
			gatewayAccount("acc-1", "depository", nil),
			gatewayAccount("acc-2", "credit", nil),
		}}, nil
	}
	f.engine = NewSyncEngine(f.gateway, linkRepo{f.store}, f.store, txRepo{f.store}, f.locker, f.alerter,
		SyncConfig{PageSize: 2, CallTimeout: time.Second, Retry: fastRetry}, zap.NewNop())
	return f
}

// pages serves delta pages keyed by the cursor they start from.
func (f *syncFixture) pages(pages map[string]*ofclient.SyncResponse) {
	f.gateway.SyncTransactionsFunc = func(ctx context.Context, accessToken, cursor string, count int) (*ofclient.SyncResponse, error) {
		page, ok := pages[cursor]
		if !ok {
			return nil, &ofclient.GatewayError{Op: "fetch_transaction_delta", Kind: ofclient.ErrRejected, Message: "unknown cursor " + cursor}
		}
		return page, nil
	}
}

func gatewayAccount(id, accountType string, accErr *ofclient.ErrorResponse) ofclient.Account {
	balance := decimal.RequireFromString("100.00")
	usd := "USD"
	return ofclient.Account{
		AccountID: id,
		Name:      "Account " + id,
		Type:      accountType,
		Balances:  ofclient.Balances{Current: &balance, IsoCurrencyCode: &usd},
		Error:     accErr,
	}
}

func gatewayTx(id, accountID, amount string) ofclient.Transaction {
	return ofclient.Transaction{
		TransactionID: id,
		AccountID:     accountID,
		Amount:        decimal.RequireFromString(amount),
		Date:          "2024-03-15",
		Name:          "Purchase " + id,
	}
}

func revokedErr() error {
	return &ofclient.GatewayError{Op: "fetch_transaction_delta", StatusCode: 400, Code: "ITEM_LOGIN_REQUIRED", Kind: ofclient.ErrCredentialRevoked}
}

func unavailableErr() error {
	return &ofclient.GatewayError{Op: "fetch_transaction_delta", StatusCode: 503, Kind: ofclient.ErrUnavailable}
}

func resultIDs(txs []*transaction.Transaction) []string {
	ids := make([]string, 0, len(txs))
	for _, tx := range txs {
		ids = append(ids, tx.ID)
	}
	return ids
}

func TestSync_FirstSyncPagesThroughHistory(t *testing.T) {
	f := newSyncFixture(t)
	f.pages(map[string]*ofclient.SyncResponse{
		"":   {Added: []ofclient.Transaction{gatewayTx("t1", "acc-1", "12.50"), gatewayTx("t2", "acc-2", "-300")}, NextCursor: "c1", HasMore: true},
		"c1": {Added: []ofclient.Transaction{gatewayTx("t3", "acc-1", "4.999")}, NextCursor: "c2"},
	})

	result, err := f.engine.Sync(context.Background(), testLink)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Pages)
	assert.Equal(t, []string{"t1", "t2", "t3"}, resultIDs(result.Added))
	assert.Empty(t, result.Modified)
	assert.Empty(t, result.Removed)
	assert.Equal(t, "c2", result.NewCursor)
	assert.Equal(t, "-12.5", result.Added[0].Amount.String())
	assert.Empty(t, result.FlaggedAccounts)
	assert.Equal(t, []string{"t1", "t2", "t3"}, f.store.txIDs())

	// Outflows are negative and amounts carry two decimals.
	assert.Equal(t, "-12.5", f.store.tx("t1").Amount.String())
	assert.Equal(t, "300", f.store.tx("t2").Amount.String())
	assert.Equal(t, "-5", f.store.tx("t3").Amount.String())

	stored := f.store.getLink(testLink)
	require.NotNil(t, stored.LastSyncCursor)
	assert.Equal(t, "c2", *stored.LastSyncCursor)
	assert.Equal(t, link.StatusActive, stored.Status)
	assert.Equal(t, []string{"", "c1"}, f.gateway.syncCursors)
	assert.Equal(t, []int{3}, f.alerter.synced)
}

func TestSync_ResumesFromStoredCursor(t *testing.T) {
	f := newSyncFixture(t)
	c := "c2"
	f.store.setCursor(testLink, &c)
	f.pages(map[string]*ofclient.SyncResponse{
		"c2": {NextCursor: "c3"},
	})

	result, err := f.engine.Sync(context.Background(), testLink)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Pages)
	assert.Empty(t, result.Added)
	assert.Equal(t, "c3", result.NewCursor)
	assert.Equal(t, []string{"c2"}, f.gateway.syncCursors)
}

func TestSync_EmptyNextCursorKeepsPrevious(t *testing.T) {
	f := newSyncFixture(t)
	c := "c5"
	f.store.setCursor(testLink, &c)
	f.pages(map[string]*ofclient.SyncResponse{"c5": {}})

	result, err := f.engine.Sync(context.Background(), testLink)
	require.NoError(t, err)
	assert.Equal(t, "c5", result.NewCursor)
	assert.Equal(t, "c5", *f.store.getLink(testLink).LastSyncCursor)
}

func TestSync_ReplayedAdditionsAreCountedNotDuplicated(t *testing.T) {
	f := newSyncFixture(t)
	f.pages(map[string]*ofclient.SyncResponse{
		"":   {Added: []ofclient.Transaction{gatewayTx("t1", "acc-1", "10")}, NextCursor: "c1"},
		"c1": {Added: []ofclient.Transaction{gatewayTx("t1", "acc-1", "10"), gatewayTx("t2", "acc-1", "5")}, NextCursor: "c2"},
	})

	_, err := f.engine.Sync(context.Background(), testLink)
	require.NoError(t, err)

	result, err := f.engine.Sync(context.Background(), testLink)
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, resultIDs(result.Added))
	assert.Equal(t, 1, result.Replayed)
	assert.Equal(t, []string{"t1", "t2"}, f.store.txIDs())
}

func TestSync_AppliesRemovalsBeforeAdditions(t *testing.T) {
	f := newSyncFixture(t)
	f.pages(map[string]*ofclient.SyncResponse{
		"": {Added: []ofclient.Transaction{gatewayTx("pending-1", "acc-1", "20")}, NextCursor: "c1"},
		"c1": {
			Removed:    []ofclient.RemovedTransaction{{TransactionID: "pending-1", AccountID: "acc-1"}},
			Added:      []ofclient.Transaction{gatewayTx("posted-1", "acc-1", "20"), gatewayTx("pending-1", "acc-1", "21")},
			NextCursor: "c2",
		},
	})

	_, err := f.engine.Sync(context.Background(), testLink)
	require.NoError(t, err)
	result, err := f.engine.Sync(context.Background(), testLink)
	require.NoError(t, err)

	// The re-added id is treated as new because the removal ran first.
	assert.Equal(t, []string{"pending-1"}, result.Removed)
	assert.Equal(t, []string{"posted-1", "pending-1"}, resultIDs(result.Added))
	assert.Zero(t, result.Replayed)
	assert.Equal(t, "-21", f.store.tx("pending-1").Amount.String())
}

func TestSync_ModifiedOverwrites(t *testing.T) {
	f := newSyncFixture(t)
	modified := gatewayTx("t1", "acc-1", "15")
	modified.Pending = true
	f.pages(map[string]*ofclient.SyncResponse{
		"":   {Added: []ofclient.Transaction{gatewayTx("t1", "acc-1", "10")}, NextCursor: "c1", HasMore: true},
		"c1": {Modified: []ofclient.Transaction{modified}, NextCursor: "c2"},
	})

	result, err := f.engine.Sync(context.Background(), testLink)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, resultIDs(result.Added))
	require.Equal(t, []string{"t1"}, resultIDs(result.Modified))
	assert.Equal(t, "-15", result.Modified[0].Amount.String())
	assert.Equal(t, "-15", f.store.tx("t1").Amount.String())
	assert.True(t, f.store.tx("t1").Pending)
}

func TestSync_SkipsUnknownAccountsAndBadDates(t *testing.T) {
	f := newSyncFixture(t)
	badDate := gatewayTx("t3", "acc-1", "1")
	badDate.Date = "15/03/2024"
	f.pages(map[string]*ofclient.SyncResponse{
		"": {Added: []ofclient.Transaction{gatewayTx("t1", "acc-1", "1"), gatewayTx("t2", "acc-other", "1"), badDate}, NextCursor: "c1"},
	})

	result, err := f.engine.Sync(context.Background(), testLink)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, resultIDs(result.Added))
	assert.Equal(t, 2, result.Skipped)
	assert.Equal(t, []string{"t1"}, f.store.txIDs())
}

func TestSync_AccountErrorFlagsAccountAndLink(t *testing.T) {
	f := newSyncFixture(t)
	f.gateway.GetAccountsFunc = func(ctx context.Context, accessToken string) (*ofclient.AccountsResponse, error) {
		return &ofclient.AccountsResponse{Accounts: []ofclient.Account{
			gatewayAccount("acc-1", "depository", nil),
			gatewayAccount("acc-2", "credit", &ofclient.ErrorResponse{ErrorCode: "ITEM_LOCKED"}),
		}}, nil
	}
	f.pages(map[string]*ofclient.SyncResponse{
		"": {Added: []ofclient.Transaction{gatewayTx("t1", "acc-1", "1")}, NextCursor: "c1"},
	})

	result, err := f.engine.Sync(context.Background(), testLink)
	require.NoError(t, err)

	assert.Equal(t, []string{"acc-2"}, result.FlaggedAccounts)
	assert.Equal(t, []string{"t1"}, resultIDs(result.Added))

	stored := f.store.getLink(testLink)
	assert.Equal(t, link.StatusError, stored.Status)
	require.NotNil(t, stored.ErrorCode)
	assert.Equal(t, "ACCOUNT_ERROR", *stored.ErrorCode)

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	assert.True(t, f.store.accounts["acc-2"].ErrorFlag)
	assert.False(t, f.store.accounts["acc-1"].ErrorFlag)
}

func TestSync_SkipsUnsupportedAccountType(t *testing.T) {
	f := newSyncFixture(t)
	f.gateway.GetAccountsFunc = func(ctx context.Context, accessToken string) (*ofclient.AccountsResponse, error) {
		return &ofclient.AccountsResponse{Accounts: []ofclient.Account{
			gatewayAccount("acc-1", "depository", nil),
			gatewayAccount("acc-9", "mystery", nil),
		}}, nil
	}
	f.pages(map[string]*ofclient.SyncResponse{
		"": {Added: []ofclient.Transaction{gatewayTx("t9", "acc-9", "1")}, NextCursor: "c1"},
	})

	result, err := f.engine.Sync(context.Background(), testLink)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Empty(t, f.store.txIDs())
}

func TestSync_CredentialRevokedIsNotRetried(t *testing.T) {
	f := newSyncFixture(t)
	f.gateway.SyncTransactionsFunc = func(ctx context.Context, accessToken, cursor string, count int) (*ofclient.SyncResponse, error) {
		return nil, revokedErr()
	}

	_, err := f.engine.Sync(context.Background(), testLink)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCredentialRevoked)

	var linkErr *LinkError
	require.ErrorAs(t, err, &linkErr)
	assert.Equal(t, testLink, linkErr.LinkID)

	assert.Len(t, f.gateway.syncCursors, 1)
	stored := f.store.getLink(testLink)
	assert.Equal(t, link.StatusError, stored.Status)
	assert.Equal(t, "ITEM_LOGIN_REQUIRED", *stored.ErrorCode)
	assert.Nil(t, stored.LastSyncCursor)
	assert.Equal(t, []string{testLink + ":ITEM_LOGIN_REQUIRED"}, f.alerter.relinks)
	assert.Empty(t, f.alerter.synced)
}

func TestSync_ItemErrorOnAccountsRevokes(t *testing.T) {
	f := newSyncFixture(t)
	f.gateway.GetAccountsFunc = func(ctx context.Context, accessToken string) (*ofclient.AccountsResponse, error) {
		return &ofclient.AccountsResponse{Item: ofclient.Item{
			ItemID: "item-1",
			Error:  &ofclient.ErrorResponse{ErrorCode: "USER_PERMISSION_REVOKED", ErrorMessage: "permission revoked"},
		}}, nil
	}

	_, err := f.engine.Sync(context.Background(), testLink)
	assert.ErrorIs(t, err, ErrCredentialRevoked)
	assert.Empty(t, f.gateway.syncCursors)
	assert.Equal(t, "USER_PERMISSION_REVOKED", *f.store.getLink(testLink).ErrorCode)
}

func TestSync_RetriesRateLimitThenSucceeds(t *testing.T) {
	f := newSyncFixture(t)
	var calls int
	f.gateway.SyncTransactionsFunc = func(ctx context.Context, accessToken, cursor string, count int) (*ofclient.SyncResponse, error) {
		calls++
		if calls == 1 {
			return nil, &ofclient.GatewayError{Op: "fetch_transaction_delta", StatusCode: 429, Kind: ofclient.ErrRateLimited}
		}
		return &ofclient.SyncResponse{Added: []ofclient.Transaction{gatewayTx("t1", "acc-1", "1")}, NextCursor: "c1"}, nil
	}

	result, err := f.engine.Sync(context.Background(), testLink)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"t1"}, resultIDs(result.Added))
}

func TestSync_TransientFailureKeepsCommittedPages(t *testing.T) {
	f := newSyncFixture(t)
	f.gateway.SyncTransactionsFunc = func(ctx context.Context, accessToken, cursor string, count int) (*ofclient.SyncResponse, error) {
		if cursor == "" {
			return &ofclient.SyncResponse{Added: []ofclient.Transaction{gatewayTx("t1", "acc-1", "1")}, NextCursor: "c1", HasMore: true}, nil
		}
		return nil, unavailableErr()
	}

	_, err := f.engine.Sync(context.Background(), testLink)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransientGateway)

	// One first-page call plus the full retry budget on the second page.
	assert.Len(t, f.gateway.syncCursors, 1+fastRetry.MaxAttempts)
	assert.Equal(t, "c1", *f.store.getLink(testLink).LastSyncCursor)
	assert.Equal(t, []string{"t1"}, f.store.txIDs())
	assert.Equal(t, link.StatusActive, f.store.getLink(testLink).Status)
}

func TestSync_RejectedGatewayCall(t *testing.T) {
	f := newSyncFixture(t)
	f.pages(map[string]*ofclient.SyncResponse{})

	_, err := f.engine.Sync(context.Background(), testLink)
	assert.ErrorIs(t, err, ErrGatewayRejected)
	assert.Len(t, f.gateway.syncCursors, 1)
}

func TestSync_CursorConflict(t *testing.T) {
	f := newSyncFixture(t)
	f.gateway.SyncTransactionsFunc = func(ctx context.Context, accessToken, cursor string, count int) (*ofclient.SyncResponse, error) {
		// Another writer advances the cursor while this page is in flight.
		moved := "elsewhere"
		f.store.setCursor(testLink, &moved)
		return &ofclient.SyncResponse{Added: []ofclient.Transaction{gatewayTx("t1", "acc-1", "1")}, NextCursor: "c1"}, nil
	}

	_, err := f.engine.Sync(context.Background(), testLink)
	assert.ErrorIs(t, err, ErrSyncInProgress)
	assert.Empty(t, f.store.txIDs())
}

func TestSync_ConcurrentSyncRejected(t *testing.T) {
	f := newSyncFixture(t)
	entered := make(chan struct{})
	unblock := make(chan struct{})
	f.gateway.SyncTransactionsFunc = func(ctx context.Context, accessToken, cursor string, count int) (*ofclient.SyncResponse, error) {
		close(entered)
		<-unblock
		return &ofclient.SyncResponse{NextCursor: "c1"}, nil
	}

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = f.engine.Sync(context.Background(), testLink)
	}()

	<-entered
	_, err := f.engine.Sync(context.Background(), testLink)
	assert.ErrorIs(t, err, ErrSyncInProgress)

	close(unblock)
	wg.Wait()
	require.NoError(t, firstErr)

	// The lock is released once the first sync returns.
	f.pages(map[string]*ofclient.SyncResponse{"c1": {NextCursor: "c2"}})
	_, err = f.engine.Sync(context.Background(), testLink)
	assert.NoError(t, err)
}

func TestSync_RevokedLink(t *testing.T) {
	f := newSyncFixture(t)
	require.NoError(t, linkRepo{f.store}.UpdateStatus(context.Background(), testLink, link.StatusRevoked, nil))

	_, err := f.engine.Sync(context.Background(), testLink)
	assert.ErrorIs(t, err, ErrLinkRevoked)
	assert.Zero(t, f.gateway.accountCalls)
}

func TestSync_UnknownLink(t *testing.T) {
	f := newSyncFixture(t)
	_, err := f.engine.Sync(context.Background(), "missing")
	assert.ErrorIs(t, err, link.ErrLinkNotFound)
}

func TestSync_PersistenceFailure(t *testing.T) {
	f := newSyncFixture(t)
	f.store.applyErr = errors.New("connection reset")
	f.pages(map[string]*ofclient.SyncResponse{"": {NextCursor: "c1"}})

	_, err := f.engine.Sync(context.Background(), testLink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to apply sync page")
	assert.Nil(t, f.store.getLink(testLink).LastSyncCursor)
}

func TestSyncForUser_ChecksOwnership(t *testing.T) {
	f := newSyncFixture(t)
	f.pages(map[string]*ofclient.SyncResponse{"": {NextCursor: "c1"}})

	_, err := f.engine.SyncForUser(context.Background(), "someone-else", testLink)
	assert.ErrorIs(t, err, link.ErrLinkNotFound)
	assert.Zero(t, f.gateway.accountCalls)

	_, err = f.engine.SyncForUser(context.Background(), testUser, testLink)
	assert.NoError(t, err)
}

func TestSyncableLinks_ExcludesRevoked(t *testing.T) {
	f := newSyncFixture(t)
	f.store.addLink(&link.InstitutionLink{ID: "link-2", ClientUserID: testUser, Status: link.StatusRevoked})
	f.store.addLink(&link.InstitutionLink{ID: "link-3", ClientUserID: testUser, Status: link.StatusError})
	f.store.addLink(&link.InstitutionLink{ID: "link-4", ClientUserID: "other", Status: link.StatusActive})

	ids, err := f.engine.SyncableLinks(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, []string{testLink, "link-3"}, ids)
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&LinkError{Err: ErrCredentialRevoked}, "credential_revoked"},
		{&LinkError{Err: ErrRateLimited}, "rate_limited"},
		{ErrTransientGateway, "transient"},
		{ErrSyncInProgress, "conflict"},
		{ErrLinkRevoked, "revoked"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, outcome(tt.err))
	}
}

func TestLinkError(t *testing.T) {
	err := &LinkError{LinkID: "l1", AccountID: "a1", Err: ErrCredentialRevoked}
	assert.Equal(t, "link l1 account a1: access credential revoked, relink required", err.Error())
	assert.ErrorIs(t, err, ErrCredentialRevoked)

	err = &LinkError{LinkID: "l1", Err: ErrLinkRevoked}
	assert.Equal(t, "link l1: institution link is revoked", err.Error())
}
