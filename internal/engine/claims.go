package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/pulse/internal/model"
)

// Claim is the exclusive right to advance the modifications of one
// partition. Ownership ends with Release; it is never shared.
type Claim struct {
	Partition model.Partition
	Token     string

	once    sync.Once
	release func()
}

// Release gives the claim back. Safe to call more than once.
func (c *Claim) Release() {
	c.once.Do(c.release)
}

// ClaimManager hands out per-partition claims. Claims of different
// partitions never block each other, so machine chains run in parallel.
//
// Waiting is the only blocking point: Acquire blocks until the claim is
// free or the context is done.
type ClaimManager struct {
	mu     sync.Mutex
	slots  map[model.Partition]chan struct{}
	owners map[model.Partition]string
	tokens TokenGenerator
}

// NewClaimManager creates a manager using tokens for owner identifiers.
func NewClaimManager(tokens TokenGenerator) *ClaimManager {
	if tokens == nil {
		tokens = UUIDv7Generator{}
	}
	return &ClaimManager{
		slots:  make(map[model.Partition]chan struct{}),
		owners: make(map[model.Partition]string),
		tokens: tokens,
	}
}

func (m *ClaimManager) slot(p model.Partition) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.slots[p]
	if !ok {
		ch = make(chan struct{}, 1)
		m.slots[p] = ch
	}
	return ch
}

// Acquire blocks until the partition claim is obtained or ctx is done.
func (m *ClaimManager) Acquire(ctx context.Context, p model.Partition) (*Claim, error) {
	ch := m.slot(p)
	select {
	case ch <- struct{}{}:
		return m.grant(p, ch), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire claim %s: %w", p, ctx.Err())
	}
}

// TryAcquire obtains the claim only when it is free.
func (m *ClaimManager) TryAcquire(p model.Partition) (*Claim, bool) {
	ch := m.slot(p)
	select {
	case ch <- struct{}{}:
		return m.grant(p, ch), true
	default:
		return nil, false
	}
}

func (m *ClaimManager) grant(p model.Partition, ch chan struct{}) *Claim {
	token := m.tokens.Generate()
	m.mu.Lock()
	m.owners[p] = token
	m.mu.Unlock()

	return &Claim{
		Partition: p,
		Token:     token,
		release: func() {
			m.mu.Lock()
			if m.owners[p] == token {
				delete(m.owners, p)
			}
			m.mu.Unlock()
			<-ch
		},
	}
}

// Owner returns the token of the current claim holder.
func (m *ClaimManager) Owner(p model.Partition) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.owners[p]
	return token, ok
}

// cancelRequests records cancellations requested while a worker may hold
// the record. Workers observe them at their next checkpoint.
type cancelRequests struct {
	mu   sync.Mutex
	refs map[model.ModificationRef]struct{}
}

func newCancelRequests() *cancelRequests {
	return &cancelRequests{refs: make(map[model.ModificationRef]struct{})}
}

func (c *cancelRequests) Request(ref model.ModificationRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs[ref] = struct{}{}
}

func (c *cancelRequests) Requested(ref model.ModificationRef) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.refs[ref]
	return ok
}

func (c *cancelRequests) Clear(ref model.ModificationRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.refs, ref)
}
