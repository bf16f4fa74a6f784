// Package redis provides the Redis-backed per-link lock used when more than
// one API instance shares a database.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"finlink/internal/domain/openfinance"
)

const (
	keyPrefix      = "finlink:sync:"
	defaultExpiry  = 2 * time.Minute
	releaseTimeout = 5 * time.Second
)

// Locker implements openfinance.Locker with a Redlock mutex per link.
type Locker struct {
	rs     *redsync.Redsync
	expiry time.Duration
	logger *zap.Logger
}

var _ openfinance.Locker = (*Locker)(nil)

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, addr, password string, db int) (*goredislib.Client, error) {
	client := goredislib.NewClient(&goredislib.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// NewLocker creates a locker. The expiry bounds how long a crashed holder
// keeps a link locked; live holders extend it while they run.
func NewLocker(client goredislib.UniversalClient, expiry time.Duration, logger *zap.Logger) *Locker {
	if expiry <= 0 {
		expiry = defaultExpiry
	}
	return &Locker{
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: expiry,
		logger: logger,
	}
}

// Acquire tries once and fails with openfinance.ErrSyncInProgress when
// another holder has the link.
func (l *Locker) Acquire(ctx context.Context, linkID string) (func(), error) {
	mutex := l.rs.NewMutex(keyPrefix+linkID,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			return nil, openfinance.ErrSyncInProgress
		}
		return nil, fmt.Errorf("failed to acquire link lock: %w", err)
	}

	keepCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go l.keepAlive(keepCtx, mutex, linkID, done)

	return func() {
		stop()
		<-done

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if ok, err := mutex.UnlockContext(ctx); !ok || err != nil {
			l.logger.Warn("failed to release link lock",
				zap.String("link_id", linkID),
				zap.Error(err),
			)
		}
	}, nil
}

// keepAlive extends the lock every third of its expiry until ctx ends, so a
// sync that outlives the expiry keeps its link. A crashed holder stops
// extending and the lock lapses.
func (l *Locker) keepAlive(ctx context.Context, mutex *redsync.Mutex, linkID string, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.expiry / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := mutex.ExtendContext(ctx)
			if ctx.Err() != nil {
				return
			}
			if !ok || err != nil {
				l.logger.Warn("failed to extend link lock",
					zap.String("link_id", linkID),
					zap.Error(err),
				)
				return
			}
		}
	}
}

// isContention reports whether err means the lock is held elsewhere. Redsync
// reports this as ErrFailed or a "lock already taken" error depending on
// the node response.
func isContention(err error) bool {
	var taken *redsync.ErrTaken
	if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "lock already taken") || strings.Contains(msg, "failed to acquire lock")
}
