// Package knowledge implements the ingestion verifier: candidate claims
// are accepted as grounded only when every supporting chunk was fetched by
// the runtime (never supplied by the caller) inside the same request and
// declared in the request's cross-references. Chunk text is data; no
// substring inside a fetched chunk can alter the verifier's control flow.
package knowledge

import (
	"context"
	"strings"
	"time"

	"github.com/corridor-systems/corridor/pkg/reason"
)

// Mode selects how unsupported claims are handled.
type Mode string

const (
	GroundOnly           Mode = "ground_only"
	GroundPlusHypothesis Mode = "ground_plus_hypothesis"
)

// Status is a claim's verification outcome.
type Status string

const (
	StatusGrounded   Status = "grounded"
	StatusHypothesis Status = "hypothesis"
	StatusDenied     Status = "denied"
)

// TaintUntrusted marks hypotheses accepted without grounding.
const TaintUntrusted = "untrusted"

// Packet is the policy packet governing one ingestion request.
type Packet struct {
	PacketID string `json:"packet_id"`
	// CrossRefs declares every chunk id the request may cite.
	CrossRefs []string `json:"cross_refs"`
	// RequireFetchFor lists claim types that must carry support.
	RequireFetchFor []string `json:"require_fetch_for"`
}

// Support cites a span of a fetched chunk.
type Support struct {
	ChunkID string `json:"chunk_id"`
	Span    string `json:"span"`
}

// Claim is one candidate assertion.
type Claim struct {
	ClaimID string    `json:"claim_id"`
	Type    string    `json:"type"`
	Text    string    `json:"text"`
	Support []Support `json:"support,omitempty"`
	Key     string    `json:"key,omitempty"`

	// Set by the verifier.
	Status     Status      `json:"status,omitempty"`
	Taint      string      `json:"taint,omitempty"`
	DenyReason reason.Code `json:"deny_reason,omitempty"`
}

// Conflict records a keyed grounded claim diverging from an existing one.
// The existing claim is never overwritten.
type Conflict struct {
	Key        string    `json:"key"`
	ExistingID string    `json:"existing_id"`
	ClaimID    string    `json:"claim_id"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Summary is the per-request outcome counts.
type Summary struct {
	Grounded   int `json:"grounded"`
	Hypothesis int `json:"hypothesis"`
	Denied     int `json:"denied"`
	Conflicts  int `json:"conflicts"`
}

// Retriever fetches chunk content. Retrieval is runtime-owned: the verifier
// only ever passes ids from the packet's cross-references, and the caller
// has no way to inject content.
type Retriever interface {
	Fetch(ctx context.Context, chunkID string) (string, error)
}

// ClaimStore is the persisted grounded-claim view used for conflict
// detection and for storing accepted claims. Writes flow through the
// side-effect gate; the verifier never reaches storage directly.
type ClaimStore interface {
	// GroundedByKey returns the existing grounded claim for key, if any.
	GroundedByKey(ctx context.Context, key string) (*Claim, bool, error)
	// Persist stores the accepted claims and recorded conflicts.
	Persist(ctx context.Context, claims []Claim, conflicts []Conflict) error
}

// normalizeText is the comparison form for keyed-claim divergence checks.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
