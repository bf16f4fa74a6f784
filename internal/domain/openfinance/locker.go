package openfinance

import (
	"context"
	"sync"
)

// Locker serializes work per link. Acquire fails fast with
// ErrSyncInProgress when the link is already held.
type Locker interface {
	Acquire(ctx context.Context, linkID string) (release func(), err error)
}

// LocalLocker is an in-process Locker for single-instance deployments.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) Acquire(_ context.Context, linkID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[linkID]; ok {
		return nil, ErrSyncInProgress
	}
	l.held[linkID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, linkID)
			l.mu.Unlock()
		})
	}, nil
}
