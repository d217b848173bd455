package gate

import (
	"sync"
	"time"

	"github.com/corridor-systems/corridor/pkg/canon"
	"github.com/corridor-systems/corridor/pkg/payload"
)

// idempotencyEntry is one remembered side-effect outcome.
type idempotencyEntry struct {
	payloadHash string
	response    payload.Value
	storedAt    time.Time
}

// IdempotencyLedger remembers side-effect outcomes keyed by
// (endpoint, client idempotency key). A repeat with an identical payload
// replays the stored response without re-executing; a repeat with a
// differing payload is a conflict and mutates nothing.
type IdempotencyLedger struct {
	mu      sync.Mutex
	entries map[string]*idempotencyEntry
	ttl     time.Duration
	clock   func() time.Time
}

// NewIdempotencyLedger creates a ledger whose entries expire after ttl.
func NewIdempotencyLedger(ttl time.Duration) *IdempotencyLedger {
	return &IdempotencyLedger{
		entries: make(map[string]*idempotencyEntry),
		ttl:     ttl,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for testing.
func (l *IdempotencyLedger) WithClock(clock func() time.Time) *IdempotencyLedger {
	l.clock = clock
	return l
}

// LookupOutcome enumerates what a lookup found.
type LookupOutcome string

const (
	LookupMiss     LookupOutcome = "miss"
	LookupReplay   LookupOutcome = "replay"
	LookupConflict LookupOutcome = "conflict"
)

func ledgerKey(endpoint, clientKey string) string {
	return canon.DigestBytes([]byte(endpoint + "\x00" + clientKey))
}

// Lookup checks for a stored outcome. An empty clientKey never matches.
func (l *IdempotencyLedger) Lookup(endpoint, clientKey, payloadHash string) (payload.Value, LookupOutcome) {
	if clientKey == "" {
		return nil, LookupMiss
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.collect()
	e, ok := l.entries[ledgerKey(endpoint, clientKey)]
	if !ok {
		return nil, LookupMiss
	}
	if e.payloadHash != payloadHash {
		return nil, LookupConflict
	}
	return e.response, LookupReplay
}

// Store records a successful side effect's response.
func (l *IdempotencyLedger) Store(endpoint, clientKey, payloadHash string, response payload.Value) {
	if clientKey == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[ledgerKey(endpoint, clientKey)] = &idempotencyEntry{
		payloadHash: payloadHash,
		response:    response,
		storedAt:    l.clock(),
	}
}

// collect drops expired entries. Caller holds the lock.
func (l *IdempotencyLedger) collect() {
	now := l.clock()
	for k, e := range l.entries {
		if now.Sub(e.storedAt) > l.ttl {
			delete(l.entries, k)
		}
	}
}
