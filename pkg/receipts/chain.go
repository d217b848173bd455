package receipts

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Store is the persistence backend behind the chain. Implementations are a
// journal keyed by sequence number; they never reorder or rewrite records.
type Store interface {
	Persist(ctx context.Context, r *Receipt) error
	ReadRange(ctx context.Context, fromSeq uint64, limit int) ([]Receipt, error)
	ReadByJob(ctx context.Context, jobID string, limit int) ([]Receipt, error)
	// Tail returns the highest-sequence receipt, or nil on an empty journal.
	Tail(ctx context.Context) (*Receipt, error)
}

// Chain serializes appends over a store and maintains the hash links.
// Given two receipts r1, r2 where r1's append completed before r2's began,
// seq(r1) < seq(r2) and r2.previous_hash = r1.self_hash.
type Chain struct {
	mu       sync.Mutex
	store    Store
	tailSeq  uint64
	tailHash string
	clock    func() time.Time
}

// NewChain opens a chain over store, resuming from the persisted tail.
func NewChain(ctx context.Context, store Store) (*Chain, error) {
	c := &Chain{store: store, tailHash: GenesisHash, clock: time.Now}
	tail, err := store.Tail(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain tail read failed: %w", err)
	}
	if tail != nil {
		c.tailSeq = tail.Sequence
		c.tailHash = tail.SelfHash
	}
	return c, nil
}

// WithClock overrides the clock for testing.
func (c *Chain) WithClock(clock func() time.Time) *Chain {
	c.clock = clock
	return c
}

// Append stamps sequence, timestamp, and hashes onto r, persists it, and
// only then acknowledges. The caller's r is filled in place and returned.
func (c *Chain) Append(ctx context.Context, r *Receipt) (*Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r.Sequence = c.tailSeq + 1
	r.Timestamp = c.clock().UTC()
	r.PreviousHash = c.tailHash
	if r.JobID == "" {
		r.JobID = JobSystem
	}
	self, err := r.ComputeSelfHash()
	if err != nil {
		return nil, fmt.Errorf("receipt hash failed: %w", err)
	}
	r.SelfHash = self

	if err := c.store.Persist(ctx, r); err != nil {
		return nil, fmt.Errorf("receipt persist failed: %w", err)
	}
	c.tailSeq = r.Sequence
	c.tailHash = r.SelfHash
	return r, nil
}

// ReadByJob returns up to limit receipts attributed to jobID.
func (c *Chain) ReadByJob(ctx context.Context, jobID string, limit int) ([]Receipt, error) {
	return c.store.ReadByJob(ctx, jobID, limit)
}

// ReadRange returns receipts from fromSeq upward.
func (c *Chain) ReadRange(ctx context.Context, fromSeq uint64, limit int) ([]Receipt, error) {
	return c.store.ReadRange(ctx, fromSeq, limit)
}

// Length returns the sequence of the tail receipt.
func (c *Chain) Length() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tailSeq
}

// ValidateChain re-derives every hash in the journal and reports the first
// break. The walk pages through the store so an unbounded journal never
// loads at once.
func (c *Chain) ValidateChain(ctx context.Context) error {
	const page = 512
	prevHash := GenesisHash
	var expectSeq uint64 = 1

	for {
		batch, err := c.store.ReadRange(ctx, expectSeq, page)
		if err != nil {
			return fmt.Errorf("chain read failed at seq %d: %w", expectSeq, err)
		}
		if len(batch) == 0 {
			return nil
		}
		for i := range batch {
			r := &batch[i]
			if r.Sequence != expectSeq {
				return fmt.Errorf("chain break: expected seq %d, found %d", expectSeq, r.Sequence)
			}
			if r.PreviousHash != prevHash {
				return fmt.Errorf("chain break at seq %d: previous_hash mismatch", r.Sequence)
			}
			self, err := r.ComputeSelfHash()
			if err != nil {
				return fmt.Errorf("chain break at seq %d: %w", r.Sequence, err)
			}
			if self != r.SelfHash {
				return fmt.Errorf("chain break at seq %d: self_hash mismatch", r.Sequence)
			}
			prevHash = r.SelfHash
			expectSeq++
		}
	}
}
