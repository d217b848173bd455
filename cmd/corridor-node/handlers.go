package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/corridor-systems/corridor/pkg/canon"
	"github.com/corridor-systems/corridor/pkg/capabilities"
	"github.com/corridor-systems/corridor/pkg/consent"
	"github.com/corridor-systems/corridor/pkg/knowledge"
	"github.com/corridor-systems/corridor/pkg/payload"
	"github.com/corridor-systems/corridor/pkg/pipeline"
	"github.com/corridor-systems/corridor/pkg/receipts"
	"github.com/corridor-systems/corridor/pkg/registry"
)

// buildHandlers registers the demo handler set. Handlers receive sanitized
// payloads and redeemed tokens from the gate; none of them touches storage
// except through state handed to them here, and each runs only under the
// gate's governance.
func buildHandlers(cons *consent.Store, chain *receipts.Chain) (map[string]pipeline.Handler, error) {
	memory := newMemoryGraph()
	claims := newClaimStore()
	verifier := knowledge.NewVerifier(newChunkCorpus(), claims)

	// The job executor sits behind a wire-token boundary: the handler
	// encodes the redeemed token as a signed JWT and the adapter verifies
	// it against the public key alone, the way a separate executor process
	// would.
	wireSigner, err := canon.NewSigner("adapter-wire")
	if err != nil {
		return nil, fmt.Errorf("wire signer init failed: %w", err)
	}
	executor := &jobAdapter{pub: wireSigner.PrivateKey().Public().(ed25519.PublicKey)}

	return map[string]pipeline.Handler{
		registry.ActionJobRun:          runJob(wireSigner.PrivateKey(), executor),
		registry.ActionJobCancel:       cancelJob,
		registry.ActionMemoryCreate:    memory.create,
		registry.ActionMemoryQuery:     memory.query,
		registry.ActionOIInterpret:     interpret,
		registry.ActionKnowledgeIngest: ingestKnowledge(verifier),
		registry.ActionConsentSignal:   consentSignal(cons),
		registry.ActionReceiptsRead:    receiptsRead(chain),
	}, nil
}

// jobAdapter stands in for the out-of-process job executor. Tokens cross
// its boundary in wire form only; it holds the verification key and never
// sees the in-memory ledger.
type jobAdapter struct {
	pub ed25519.PublicKey
}

func (a *jobAdapter) Run(wireToken, job string) (payload.Value, error) {
	tok, err := capabilities.DecodeWire(wireToken, a.pub)
	if err != nil {
		return nil, fmt.Errorf("executor rejected token: %w", err)
	}
	if tok.ActionID != registry.ActionJobRun {
		return nil, fmt.Errorf("executor rejected token: action %q", tok.ActionID)
	}
	return map[string]payload.Value{
		"status":   "completed",
		"job":      job,
		"token_id": tok.TokenID,
	}, nil
}

// runJob encodes the redeemed token to its wire form and invokes the
// executor across the adapter boundary.
func runJob(priv ed25519.PrivateKey, executor *jobAdapter) pipeline.Handler {
	return func(_ context.Context, p payload.Value, token capabilities.Token) (payload.Value, error) {
		job, _ := payload.Lookup(p, "job")
		name, _ := job.(string)
		if name == "" {
			return nil, errors.New("job name required")
		}
		wire, err := capabilities.EncodeWire(token, priv)
		if err != nil {
			return nil, fmt.Errorf("wire token encoding failed: %w", err)
		}
		return executor.Run(wire, name)
	}
}

func cancelJob(_ context.Context, p payload.Value, _ capabilities.Token) (payload.Value, error) {
	id, _ := payload.Lookup(p, "job_id")
	jobID, _ := id.(string)
	if jobID == "" {
		return nil, errors.New("job_id required")
	}
	return map[string]payload.Value{"status": "cancelled", "job_id": jobID}, nil
}

func interpret(_ context.Context, p payload.Value, _ capabilities.Token) (payload.Value, error) {
	in, _ := payload.Lookup(p, "input")
	text, _ := in.(string)
	return map[string]payload.Value{
		"interpretation": fmt.Sprintf("%d characters received", len(text)),
	}, nil
}

// memoryGraph is the demo memory store. Mutations happen only inside gate
// closures.
type memoryGraph struct {
	mu    sync.RWMutex
	nodes map[string]payload.Value
}

func newMemoryGraph() *memoryGraph {
	return &memoryGraph{nodes: make(map[string]payload.Value)}
}

func (m *memoryGraph) create(_ context.Context, p payload.Value, _ capabilities.Token) (payload.Value, error) {
	idVal, _ := payload.Lookup(p, "id")
	id, _ := idVal.(string)
	if id == "" {
		return nil, errors.New("node id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.nodes[id]; exists {
		return nil, fmt.Errorf("node %q already exists", id)
	}
	m.nodes[id] = p
	return map[string]payload.Value{"created": true, "id": id}, nil
}

func (m *memoryGraph) query(_ context.Context, p payload.Value, _ capabilities.Token) (payload.Value, error) {
	idVal, _ := payload.Lookup(p, "id")
	id, _ := idVal.(string)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id != "" {
		node, ok := m.nodes[id]
		if !ok {
			return map[string]payload.Value{"found": false}, nil
		}
		return map[string]payload.Value{"found": true, "node": node}, nil
	}
	return map[string]payload.Value{"count": float64(len(m.nodes))}, nil
}

// ingestKnowledge decodes the packet and claims from the payload and runs
// the verifier. The verifier's persistence happens through its claim store
// inside this gate-governed closure.
func ingestKnowledge(v *knowledge.Verifier) pipeline.Handler {
	return func(ctx context.Context, p payload.Value, _ capabilities.Token) (payload.Value, error) {
		packet, claims, mode, err := decodeIngestion(p)
		if err != nil {
			return nil, err
		}
		summary, judged, err := v.Verify(ctx, packet, claims, mode)
		if err != nil {
			return nil, err
		}
		out := make([]payload.Value, 0, len(judged))
		for _, c := range judged {
			out = append(out, map[string]payload.Value{
				"claim_id":    c.ClaimID,
				"status":      string(c.Status),
				"taint":       c.Taint,
				"deny_reason": string(c.DenyReason),
			})
		}
		return map[string]payload.Value{
			"grounded":   float64(summary.Grounded),
			"hypothesis": float64(summary.Hypothesis),
			"denied":     float64(summary.Denied),
			"conflicts":  float64(summary.Conflicts),
			"claims":     out,
		}, nil
	}
}

func decodeIngestion(p payload.Value) (*knowledge.Packet, []knowledge.Claim, knowledge.Mode, error) {
	packetVal, ok := payload.Lookup(p, "packet")
	if !ok {
		return nil, nil, "", errors.New("packet required")
	}
	packet := &knowledge.Packet{}
	if idVal, ok := payload.Lookup(packetVal, "packet_id"); ok {
		packet.PacketID, _ = idVal.(string)
	}
	if refs, ok := payload.Lookup(packetVal, "cross_refs"); ok {
		packet.CrossRefs = toStrings(refs)
	}
	if req, ok := payload.Lookup(packetVal, "require_fetch_for"); ok {
		packet.RequireFetchFor = toStrings(req)
	}

	var claims []knowledge.Claim
	if claimsVal, ok := payload.Lookup(p, "claims"); ok {
		seq, _ := claimsVal.([]payload.Value)
		for _, cv := range seq {
			c := knowledge.Claim{}
			if v, ok := payload.Lookup(cv, "claim_id"); ok {
				c.ClaimID, _ = v.(string)
			}
			if v, ok := payload.Lookup(cv, "type"); ok {
				c.Type, _ = v.(string)
			}
			if v, ok := payload.Lookup(cv, "text"); ok {
				c.Text, _ = v.(string)
			}
			if v, ok := payload.Lookup(cv, "key"); ok {
				c.Key, _ = v.(string)
			}
			if v, ok := payload.Lookup(cv, "support"); ok {
				sup, _ := v.([]payload.Value)
				for _, sv := range sup {
					s := knowledge.Support{}
					if cid, ok := payload.Lookup(sv, "chunk_id"); ok {
						s.ChunkID, _ = cid.(string)
					}
					if span, ok := payload.Lookup(sv, "span"); ok {
						s.Span, _ = span.(string)
					}
					c.Support = append(c.Support, s)
				}
			}
			claims = append(claims, c)
		}
	}

	mode := knowledge.GroundOnly
	if v, ok := payload.Lookup(p, "mode"); ok {
		if s, _ := v.(string); s != "" {
			mode = knowledge.Mode(s)
		}
	}
	return packet, claims, mode, nil
}

func toStrings(v payload.Value) []string {
	seq, _ := v.([]payload.Value)
	out := make([]string, 0, len(seq))
	for _, item := range seq {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// claimStore is the in-process grounded-claim view. The verifier only runs
// inside the knowledge handler's gate closure, so every Persist here is
// gate-governed and receipted.
type claimStore struct {
	mu        sync.RWMutex
	byKey     map[string]knowledge.Claim
	conflicts []knowledge.Conflict
}

func newClaimStore() *claimStore {
	return &claimStore{byKey: make(map[string]knowledge.Claim)}
}

func (s *claimStore) GroundedByKey(_ context.Context, key string) (*knowledge.Claim, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byKey[key]
	if !ok {
		return nil, false, nil
	}
	return &c, true, nil
}

func (s *claimStore) Persist(_ context.Context, claims []knowledge.Claim, conflicts []knowledge.Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conflicted := make(map[string]bool, len(conflicts))
	for _, c := range conflicts {
		conflicted[c.ClaimID] = true
	}
	for _, c := range claims {
		// Keyed claims never overwrite an existing grounded claim.
		if c.Status == knowledge.StatusGrounded && c.Key != "" && !conflicted[c.ClaimID] {
			if _, exists := s.byKey[c.Key]; !exists {
				s.byKey[c.Key] = c
			}
		}
	}
	s.conflicts = append(s.conflicts, conflicts...)
	return nil
}

// chunkCorpus is the demo retriever: a fixed in-process corpus standing in
// for the external chunk service.
type chunkCorpus struct {
	chunks map[string]string
}

func newChunkCorpus() *chunkCorpus {
	return &chunkCorpus{chunks: map[string]string{
		"c1": "Paris is the capital of France.",
		"c2": "Water boils at 100 degrees Celsius at sea level.",
	}}
}

func (c *chunkCorpus) Fetch(_ context.Context, chunkID string) (string, error) {
	body, ok := c.chunks[chunkID]
	if !ok {
		return "", fmt.Errorf("chunk %q not found", chunkID)
	}
	return body, nil
}

// consentSignal records a stop/pause/resume signal. The signal takes effect
// only after the gate has allowed and receipted the action.
func consentSignal(cons *consent.Store) pipeline.Handler {
	return func(_ context.Context, p payload.Value, token capabilities.Token) (payload.Value, error) {
		kindVal, _ := payload.Lookup(p, "kind")
		kind, _ := kindVal.(string)
		switch consent.Kind(kind) {
		case consent.Stop, consent.Pause, consent.Resume:
		default:
			return nil, fmt.Errorf("unknown consent kind %q", kind)
		}
		cons.Record(consent.Signal{
			Actor:     token.Actor,
			Kind:      consent.Kind(kind),
			Timestamp: time.Now().UTC(),
		})
		return map[string]payload.Value{"recorded": true, "kind": kind}, nil
	}
}

// receiptsRead exposes the audit log by job id.
func receiptsRead(chain *receipts.Chain) pipeline.Handler {
	return func(ctx context.Context, p payload.Value, _ capabilities.Token) (payload.Value, error) {
		jobVal, _ := payload.Lookup(p, "job_id")
		jobID, _ := jobVal.(string)
		if jobID == "" {
			return nil, errors.New("job_id required")
		}
		recs, err := chain.ReadByJob(ctx, jobID, 100)
		if err != nil {
			return nil, err
		}
		out := make([]payload.Value, 0, len(recs))
		for _, r := range recs {
			out = append(out, map[string]payload.Value{
				"sequence":    float64(r.Sequence),
				"stage":       r.Stage,
				"action_id":   r.ActionID,
				"decision":    string(r.Decision),
				"reason_code": string(r.ReasonCode),
				"self_hash":   r.SelfHash,
			})
		}
		return map[string]payload.Value{"receipts": out}, nil
	}
}
