package knowledge

import (
	"context"
	"fmt"
	"time"

	"github.com/corridor-systems/corridor/pkg/reason"
)

// Verifier runs the ingestion procedure for one request at a time.
type Verifier struct {
	retriever Retriever
	store     ClaimStore
	clock     func() time.Time
}

// NewVerifier wires the verifier.
func NewVerifier(retriever Retriever, store ClaimStore) *Verifier {
	return &Verifier{retriever: retriever, store: store, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// Verify runs the full procedure: packet validation, runtime-owned chunk
// retrieval, per-claim grounding, conflict detection, persistence.
func (v *Verifier) Verify(ctx context.Context, packet *Packet, claims []Claim, mode Mode) (Summary, []Claim, error) {
	// 1. Packet validation.
	if packet == nil {
		return Summary{}, nil, reason.Deny(reason.CPackMissing, "policy packet missing")
	}
	if packet.PacketID == "" || len(packet.CrossRefs) == 0 {
		return Summary{}, nil, reason.Deny(reason.MalformedRequest, "policy packet invalid: packet_id and cross_refs required")
	}
	if mode != GroundOnly && mode != GroundPlusHypothesis {
		return Summary{}, nil, reason.Deny(reason.MalformedRequest, fmt.Sprintf("unknown mode %q", mode))
	}

	// 2. Fetch every declared chunk. The fetched set, not the caller's
	// word, is what claims are checked against.
	if v.retriever == nil {
		return Summary{}, nil, reason.Deny(reason.ChunkRetrieverDown, "chunk retriever not configured")
	}
	fetched := make(map[string]string, len(packet.CrossRefs))
	for _, id := range packet.CrossRefs {
		body, err := v.retriever.Fetch(ctx, id)
		if err != nil {
			return Summary{}, nil, reason.Deny(reason.ChunkRetrieverDown, "chunk fetch failed: "+id)
		}
		fetched[id] = body
	}

	requireFetch := make(map[string]bool, len(packet.RequireFetchFor))
	for _, t := range packet.RequireFetchFor {
		requireFetch[t] = true
	}

	// 3. Per-claim grounding.
	var summary Summary
	var accepted []Claim
	var conflicts []Conflict
	out := make([]Claim, 0, len(claims))
	for _, c := range claims {
		c = v.judge(c, requireFetch, fetched, mode)
		switch c.Status {
		case StatusDenied:
			summary.Denied++
		case StatusHypothesis:
			summary.Hypothesis++
			accepted = append(accepted, c)
		case StatusGrounded:
			summary.Grounded++
			// 4. Keyed divergence check against the persisted view.
			if c.Key != "" {
				existing, ok, err := v.store.GroundedByKey(ctx, c.Key)
				if err != nil {
					return Summary{}, nil, reason.Deny(reason.UncertainFailClosed, "claim store read failed")
				}
				if ok && normalizeText(existing.Text) != normalizeText(c.Text) {
					conflicts = append(conflicts, Conflict{
						Key:        c.Key,
						ExistingID: existing.ClaimID,
						ClaimID:    c.ClaimID,
						RecordedAt: v.clock().UTC(),
					})
					summary.Conflicts++
				}
			}
			accepted = append(accepted, c)
		}
		out = append(out, c)
	}

	// 5. Persist through the gate-backed store.
	if len(accepted) > 0 || len(conflicts) > 0 {
		if err := v.store.Persist(ctx, accepted, conflicts); err != nil {
			return Summary{}, nil, reason.Deny(reason.UncertainFailClosed, "claim persist failed")
		}
	}
	return summary, out, nil
}

// judge applies the grounding rules to one claim. Chunk bodies are never
// inspected for instructions; only membership in the fetched set matters.
func (v *Verifier) judge(c Claim, requireFetch map[string]bool, fetched map[string]string, mode Mode) Claim {
	if len(c.Support) == 0 {
		if requireFetch[c.Type] {
			c.Status = StatusDenied
			c.DenyReason = reason.TypeRequiresGrounding
			return c
		}
		if mode == GroundOnly {
			c.Status = StatusDenied
			c.DenyReason = reason.NoSupportGroundOnly
			return c
		}
		c.Status = StatusHypothesis
		c.Taint = TaintUntrusted
		return c
	}
	for _, s := range c.Support {
		if _, ok := fetched[s.ChunkID]; !ok {
			c.Status = StatusDenied
			c.DenyReason = reason.UnfetchedChunks
			return c
		}
	}
	c.Status = StatusGrounded
	return c
}
