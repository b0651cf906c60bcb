// Package lockstore keeps checkout records: at most one unexpired record per
// document, owned by the user who checked it out.
package lockstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jun/doclock/internal/clock"
	"github.com/jun/doclock/internal/model"
)

// DefaultTTL bounds how long a checkout survives without being refreshed.
const DefaultTTL = 8 * time.Hour

// ErrNotHeld is returned by Release when the caller holds no unexpired record.
var ErrNotHeld = errors.New("lockstore: checkout not held by caller")

// LockedError reports the record that blocked an Acquire.
type LockedError struct {
	Record model.CheckoutRecord
}

func (e *LockedError) Error() string {
	who := e.Record.UserName
	if who == "" {
		who = e.Record.UserID
	}
	return fmt.Sprintf("document %s is checked out by %s", e.Record.DocumentID, who)
}

// Store is implemented by the DynamoDB, Redis and in-memory backends.
type Store interface {
	// Acquire writes rec unless another user holds an unexpired record for the
	// same document, in which case it returns *LockedError. The holder may
	// acquire again to refresh the expiry. ExpiresAt is set by the store.
	Acquire(ctx context.Context, rec model.CheckoutRecord) (*model.CheckoutRecord, error)
	// Release removes userID's record for documentID.
	Release(ctx context.Context, documentID, userID string) error
	// Get returns the unexpired record for documentID, or nil.
	Get(ctx context.Context, documentID string) (*model.CheckoutRecord, error)
}

// Option configures a store.
type Option func(*options)

type options struct {
	ttl   time.Duration
	clock clock.Clock
}

func WithTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ttl = d
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func buildOptions(opts []Option) options {
	o := options{ttl: DefaultTTL, clock: clock.Real{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// MemoryStore keeps records in a map. It backs DEV_MODE and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]model.CheckoutRecord
	opts    options
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{records: make(map[string]model.CheckoutRecord), opts: buildOptions(opts)}
}

func (m *MemoryStore) Acquire(_ context.Context, rec model.CheckoutRecord) (*model.CheckoutRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.clock.Now()
	if cur, ok := m.records[rec.DocumentID]; ok && cur.ExpiresAt >= now.Unix() && cur.UserID != rec.UserID {
		return nil, &LockedError{Record: cur}
	}
	rec.ExpiresAt = now.Add(m.opts.ttl).Unix()
	m.records[rec.DocumentID] = rec
	return &rec, nil
}

func (m *MemoryStore) Release(_ context.Context, documentID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[documentID]
	if !ok || cur.UserID != userID || cur.ExpiresAt < m.opts.clock.Now().Unix() {
		return ErrNotHeld
	}
	delete(m.records, documentID)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, documentID string) (*model.CheckoutRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[documentID]
	if !ok || cur.ExpiresAt < m.opts.clock.Now().Unix() {
		return nil, nil
	}
	return &cur, nil
}
