package openfinance

import (
	"context"
	"sort"
	"sync"

	"finlink/internal/domain/account"
	"finlink/internal/domain/link"
	"finlink/internal/domain/transaction"
	ofclient "finlink/internal/infrastructure/openfinance"
)

// MockGateway implements SyncGateway
type MockGateway struct {
	GetAccountsFunc      func(ctx context.Context, accessToken string) (*ofclient.AccountsResponse, error)
	SyncTransactionsFunc func(ctx context.Context, accessToken, cursor string, count int) (*ofclient.SyncResponse, error)
	RemoveItemFunc       func(ctx context.Context, accessToken string) error

	mu           sync.Mutex
	accountCalls int
	syncCursors  []string
	removeCalls  int
}

func (m *MockGateway) GetAccounts(ctx context.Context, accessToken string) (*ofclient.AccountsResponse, error) {
	m.mu.Lock()
	m.accountCalls++
	m.mu.Unlock()
	if m.GetAccountsFunc != nil {
		return m.GetAccountsFunc(ctx, accessToken)
	}
	return &ofclient.AccountsResponse{}, nil
}

func (m *MockGateway) SyncTransactions(ctx context.Context, accessToken, cursor string, count int) (*ofclient.SyncResponse, error) {
	m.mu.Lock()
	m.syncCursors = append(m.syncCursors, cursor)
	m.mu.Unlock()
	if m.SyncTransactionsFunc != nil {
		return m.SyncTransactionsFunc(ctx, accessToken, cursor, count)
	}
	return &ofclient.SyncResponse{NextCursor: cursor}, nil
}

func (m *MockGateway) RemoveItem(ctx context.Context, accessToken string) error {
	m.mu.Lock()
	m.removeCalls++
	m.mu.Unlock()
	if m.RemoveItemFunc != nil {
		return m.RemoveItemFunc(ctx, accessToken)
	}
	return nil
}

// memoryStore holds links, accounts and transactions in shared maps so
// ApplyDelta can check the link cursor the way the database does. It
// implements AccountStore; linkRepo and txRepo expose the repositories.
type memoryStore struct {
	mu       sync.Mutex
	links    map[string]*link.InstitutionLink
	accounts map[string]*account.Account
	txs      map[string]*transaction.Transaction

	applyErr  error
	revoked   []string
	statusLog []link.Status
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		links:    make(map[string]*link.InstitutionLink),
		accounts: make(map[string]*account.Account),
		txs:      make(map[string]*transaction.Transaction),
	}
}

func (s *memoryStore) addLink(l *link.InstitutionLink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[l.ID] = l
}

func (s *memoryStore) getLink(id string) link.InstitutionLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.links[id]
}

func (s *memoryStore) setCursor(id string, cursor *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[id].LastSyncCursor = cursor
}

func (s *memoryStore) txIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.txs))
	for id := range s.txs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *memoryStore) tx(id string) *transaction.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txs[id]
}

type linkRepo struct{ *memoryStore }

type txRepo struct{ *memoryStore }

// link.Repository

func (s linkRepo) Upsert(ctx context.Context, p link.UpsertParams) (*link.InstitutionLink, error) {
	panic("not used")
}

func (s linkRepo) GetByID(ctx context.Context, id string) (*link.InstitutionLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[id]
	if !ok {
		return nil, link.ErrLinkNotFound
	}
	copied := *l
	return &copied, nil
}

func (s linkRepo) ListByClientUserID(ctx context.Context, clientUserID string) ([]*link.InstitutionLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*link.InstitutionLink
	for _, l := range s.links {
		if l.ClientUserID == clientUserID {
			copied := *l
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s linkRepo) UpdateStatus(ctx context.Context, id string, status link.Status, errorCode *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[id]
	if !ok {
		return link.ErrLinkNotFound
	}
	l.Status = status
	l.ErrorCode = errorCode
	s.statusLog = append(s.statusLog, status)
	return nil
}

func (s linkRepo) Revoke(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[id]
	if !ok {
		return link.ErrLinkNotFound
	}
	l.Status = link.StatusRevoked
	l.AccessCredential = ""
	for accID, acc := range s.accounts {
		if acc.LinkID != id {
			continue
		}
		for txID, tx := range s.txs {
			if tx.AccountID == accID {
				delete(s.txs, txID)
			}
		}
		delete(s.accounts, accID)
	}
	s.revoked = append(s.revoked, id)
	return nil
}

// AccountStore

func (s *memoryStore) UpsertAccount(ctx context.Context, p account.UpsertParams) (*account.Account, error) {
	accountType, err := account.NormalizeType(p.Type)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acc := &account.Account{
		ID:             p.ID,
		LinkID:         p.LinkID,
		Name:           p.Name,
		Type:           accountType,
		CurrentBalance: p.CurrentBalance,
		ErrorFlag:      p.ErrorFlag,
		ErrorCode:      p.ErrorCode,
	}
	s.accounts[p.ID] = acc
	return acc, nil
}

func (s *memoryStore) ListByLink(ctx context.Context, linkID string) ([]*account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*account.Account
	for _, acc := range s.accounts {
		if acc.LinkID == linkID {
			out = append(out, acc)
		}
	}
	return out, nil
}

// transaction.Repository

func (s txRepo) ApplyDelta(ctx context.Context, d transaction.Delta) (*transaction.DeltaResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.applyErr != nil {
		return nil, s.applyErr
	}
	l := s.links[d.LinkID]
	if !sameCursor(l.LastSyncCursor, d.PrevCursor) {
		return nil, transaction.ErrCursorConflict
	}

	res := &transaction.DeltaResult{}
	for _, id := range d.Removed {
		if _, ok := s.txs[id]; ok {
			delete(s.txs, id)
			res.Removed = append(res.Removed, id)
		}
	}
	for _, p := range d.Modified {
		s.txs[p.ID] = toTransaction(p)
		res.Modified = append(res.Modified, toTransaction(p))
	}
	for _, p := range d.Added {
		if _, ok := s.txs[p.ID]; ok {
			res.Replayed++
			continue
		}
		s.txs[p.ID] = toTransaction(p)
		res.Added = append(res.Added, toTransaction(p))
	}
	next := d.NextCursor
	l.LastSyncCursor = &next
	return res, nil
}

func (s txRepo) Create(ctx context.Context, p transaction.CreateParams) (*transaction.Transaction, error) {
	panic("not used")
}

func (s txRepo) GetByID(ctx context.Context, id string) (*transaction.Transaction, error) {
	panic("not used")
}

func (s txRepo) Delete(ctx context.Context, id string) error {
	panic("not used")
}

func (s txRepo) List(ctx context.Context, f transaction.ListFilter) ([]*transaction.Transaction, error) {
	panic("not used")
}

func toTransaction(p transaction.UpsertParams) *transaction.Transaction {
	return &transaction.Transaction{
		ID:          p.ID,
		AccountID:   p.AccountID,
		Date:        p.Date,
		Description: p.Description,
		Amount:      p.Amount,
		Category:    p.Category,
		Source:      transaction.SourceAggregator,
		Pending:     p.Pending,
	}
}

func sameCursor(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// recordingAlerter implements Alerter
type recordingAlerter struct {
	mu      sync.Mutex
	relinks []string
	synced  []int
	revoked []string
}

func (a *recordingAlerter) RelinkRequired(ctx context.Context, l *link.InstitutionLink, code string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.relinks = append(a.relinks, l.ID+":"+code)
}

func (a *recordingAlerter) SyncCompleted(ctx context.Context, l *link.InstitutionLink, added int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.synced = append(a.synced, added)
}

func (a *recordingAlerter) LinkRevoked(ctx context.Context, l *link.InstitutionLink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.revoked = append(a.revoked, l.ID)
}
