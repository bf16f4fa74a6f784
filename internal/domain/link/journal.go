package link

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// JournalEntry records a completed gateway exchange so a retried request
// can be answered without calling the gateway a second time.
type JournalEntry struct {
	ClientUserID     string    `json:"clientUserId"`
	ItemID           string    `json:"itemId"`
	AccessCredential string    `json:"accessCredential"`
	InstitutionID    string    `json:"institutionId"`
	InstitutionName  string    `json:"institutionName"`
	LinkID           string    `json:"linkId,omitempty"`
	ExchangedAt      time.Time `json:"exchangedAt"`
}

// ExchangeJournal is a durable map from public token to exchange result.
// Implementations key entries on a digest of the token, never the token.
type ExchangeJournal interface {
	// Get returns nil, nil when no entry exists.
	Get(ctx context.Context, publicToken string) (*JournalEntry, error)
	Put(ctx context.Context, publicToken string, entry JournalEntry) error
	// MarkLinked records the link created from an entry.
	MarkLinked(ctx context.Context, publicToken, linkID string) error
}

// MemoryJournal is a process-local ExchangeJournal.
type MemoryJournal struct {
	mu      sync.Mutex
	entries map[string]JournalEntry
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: make(map[string]JournalEntry)}
}

func (j *MemoryJournal) Get(_ context.Context, publicToken string) (*JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	e, ok := j.entries[tokenDigest(publicToken)]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (j *MemoryJournal) Put(_ context.Context, publicToken string, entry JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries[tokenDigest(publicToken)] = entry
	return nil
}

func (j *MemoryJournal) MarkLinked(_ context.Context, publicToken, linkID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	key := tokenDigest(publicToken)
	e, ok := j.entries[key]
	if !ok {
		return nil
	}
	e.LinkID = linkID
	j.entries[key] = e
	return nil
}

// Prune drops entries exchanged before the cutoff.
func (j *MemoryJournal) Prune(before time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for key, e := range j.entries {
		if e.ExchangedAt.Before(before) {
			delete(j.entries, key)
		}
	}
}

func tokenDigest(publicToken string) string {
	sum := sha256.Sum256([]byte(publicToken))
	return hex.EncodeToString(sum[:])
}
