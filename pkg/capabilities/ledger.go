// Package capabilities implements the single-use capability token ledger.
// A token authorizes exactly one call matching its (action_id, payload_hash)
// pair and may be redeemed at most once before expiry; the ledger is the
// sole source of truth for redemption.
package capabilities

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corridor-systems/corridor/pkg/reason"
)

// Token is one minted capability.
type Token struct {
	TokenID      string    `json:"token_id"`
	ActionID     string    `json:"action_id"`
	Actor        string    `json:"actor"`
	PayloadHash  string    `json:"payload_hash"`
	Capabilities []string  `json:"capabilities"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// RedeemOutcome enumerates the distinct redemption results.
type RedeemOutcome string

const (
	RedeemOK              RedeemOutcome = "ok"
	RedeemTokenMissing    RedeemOutcome = "token_missing"
	RedeemActionMismatch  RedeemOutcome = "action_mismatch"
	RedeemPayloadMismatch RedeemOutcome = "payload_mismatch"
	RedeemExpired         RedeemOutcome = "expired"
	RedeemAlreadySpent    RedeemOutcome = "already_spent"
)

// ReasonCode maps a failed outcome onto the closed reason-code set.
func (o RedeemOutcome) ReasonCode() reason.Code {
	switch o {
	case RedeemAlreadySpent:
		return reason.TokenReplayed
	case RedeemOK:
		return reason.None
	default:
		return reason.CDIActionDenied
	}
}

type entry struct {
	token Token
	spent bool
}

// Ledger is the server-side append-only token store.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	grace   time.Duration
	clock   func() time.Time
}

// NewLedger creates a ledger minting tokens with the given ttl. Expired
// entries are garbage-collected grace after expiry.
func NewLedger(ttl, grace time.Duration) *Ledger {
	return &Ledger{
		entries: make(map[string]*entry),
		ttl:     ttl,
		grace:   grace,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Mint issues a fresh token bound to (actionID, payloadHash) for actor and
// records it in state fresh.
func (l *Ledger) Mint(actionID, actor, payloadHash string, capabilities []string) Token {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock().UTC()
	t := Token{
		TokenID:      uuid.NewString(),
		ActionID:     actionID,
		Actor:        actor,
		PayloadHash:  payloadHash,
		Capabilities: capabilities,
		IssuedAt:     now,
		ExpiresAt:    now.Add(l.ttl),
	}
	l.entries[t.TokenID] = &entry{token: t}
	return t
}

// Redeem spends tokenID for the given action and payload hash. On success
// the entry flips to spent atomically; every failure returns its distinct
// outcome. A second redeem of a previously-successful token reports
// already_spent, which callers surface as TOKEN_REPLAYED.
func (l *Ledger) Redeem(tokenID, actionID, payloadHash string, now time.Time) RedeemOutcome {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.collect(now)

	e, ok := l.entries[tokenID]
	if !ok {
		return RedeemTokenMissing
	}
	if e.spent {
		return RedeemAlreadySpent
	}
	if e.token.ActionID != actionID {
		return RedeemActionMismatch
	}
	if e.token.PayloadHash != payloadHash {
		return RedeemPayloadMismatch
	}
	if now.After(e.token.ExpiresAt) {
		return RedeemExpired
	}
	e.spent = true
	return RedeemOK
}

// collect drops entries past expires_at + grace. Caller holds the lock.
func (l *Ledger) collect(now time.Time) {
	for id, e := range l.entries {
		if now.After(e.token.ExpiresAt.Add(l.grace)) {
			delete(l.entries, id)
		}
	}
}

// Len returns the number of live ledger entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
