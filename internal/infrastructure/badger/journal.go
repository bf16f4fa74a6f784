// Package badger stores the exchange journal in an embedded key-value store
// so a completed exchange survives a process restart.
package badger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"finlink/internal/domain/link"
)

const (
	keyPrefix  = "exchange:"
	defaultTTL = 24 * time.Hour
)

// Cipher seals the access credential inside journal entries.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Journal implements link.ExchangeJournal on badger. Entries are keyed on
// a SHA-256 digest of the public token and expire after the TTL.
type Journal struct {
	db     *badger.DB
	cipher Cipher
	ttl    time.Duration
}

var _ link.ExchangeJournal = (*Journal)(nil)

// Open opens the journal at path. An empty path keeps it in memory.
func Open(path string, cipher Cipher, ttl time.Duration, logger *zap.Logger) (*Journal, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}

	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{logger.Sugar()})
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open exchange journal: %w", err)
	}
	return &Journal{db: db, cipher: cipher, ttl: ttl}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) Get(_ context.Context, publicToken string) (*link.JournalEntry, error) {
	var entry *link.JournalEntry
	err := j.db.View(func(txn *badger.Txn) error {
		e, _, err := j.read(txn, publicToken)
		entry = e
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (j *Journal) Put(_ context.Context, publicToken string, entry link.JournalEntry) error {
	return j.db.Update(func(txn *badger.Txn) error {
		return j.write(txn, publicToken, entry, j.ttl)
	})
}

// MarkLinked records linkID on an existing entry, keeping its expiry.
// A missing entry is not an error.
func (j *Journal) MarkLinked(_ context.Context, publicToken, linkID string) error {
	return j.db.Update(func(txn *badger.Txn) error {
		entry, expiresAt, err := j.read(txn, publicToken)
		if err != nil || entry == nil {
			return err
		}

		ttl := j.ttl
		if expiresAt > 0 {
			ttl = time.Until(time.Unix(int64(expiresAt), 0))
			if ttl <= 0 {
				return nil
			}
		}
		entry.LinkID = linkID
		return j.write(txn, publicToken, *entry, ttl)
	})
}

func (j *Journal) read(txn *badger.Txn, publicToken string) (*link.JournalEntry, uint64, error) {
	item, err := txn.Get(journalKey(publicToken))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read journal entry: %w", err)
	}

	var entry link.JournalEntry
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &entry)
	}); err != nil {
		return nil, 0, fmt.Errorf("failed to decode journal entry: %w", err)
	}

	credential, err := j.cipher.Decrypt(entry.AccessCredential)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open journal credential: %w", err)
	}
	entry.AccessCredential = credential
	return &entry, item.ExpiresAt(), nil
}

func (j *Journal) write(txn *badger.Txn, publicToken string, entry link.JournalEntry, ttl time.Duration) error {
	sealed, err := j.cipher.Encrypt(entry.AccessCredential)
	if err != nil {
		return fmt.Errorf("failed to seal journal credential: %w", err)
	}
	entry.AccessCredential = sealed

	val, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode journal entry: %w", err)
	}
	if err := txn.SetEntry(badger.NewEntry(journalKey(publicToken), val).WithTTL(ttl)); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	return nil
}

func journalKey(publicToken string) []byte {
	sum := sha256.Sum256([]byte(publicToken))
	return []byte(keyPrefix + hex.EncodeToString(sum[:]))
}

// badgerLogger routes badger's internal logs through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...any)   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...any) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...any)    { l.s.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...any)   { l.s.Debugf(f, v...) }
