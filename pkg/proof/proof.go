// Package proof builds the per-request governance transcript: one entry per
// pipeline stage recording what went in, what came out, and the
// sub-verdict, folded into a single final hash.
package proof

import (
	"sync"

	"github.com/corridor-systems/corridor/pkg/canon"
)

// Stage names used by the orchestrator.
const (
	StageIngress      = "ingress"
	StageDecision     = "decision"
	StageHandler      = "handler"
	StageOutputPolicy = "output_policy"
	StageEgress       = "egress"
)

// StageRecord is one transcript entry.
type StageRecord struct {
	Stage        string `json:"stage"`
	InputDigest  string `json:"input_digest"`
	OutputDigest string `json:"output_digest"`
	SubVerdict   string `json:"sub_verdict"`
}

// Proof is the per-request transcript. Safe for use from the single request
// goroutine plus the gate's timeout path.
type Proof struct {
	mu          sync.Mutex
	RequestID   string        `json:"request_id"`
	RequestHash string        `json:"request_hash"`
	Stages      []StageRecord `json:"stages"`
	Verdict     string        `json:"verdict"`
	FinalHash   string        `json:"final_hash"`
}

// New starts a transcript for one request.
func New(requestID, requestHash string) *Proof {
	return &Proof{RequestID: requestID, RequestHash: requestHash}
}

// Record appends a stage entry. Digest inputs are hashed with the shared
// canonical digest; a nil input or output records an empty digest.
func (p *Proof) Record(stage string, input, output any, subVerdict string) {
	rec := StageRecord{Stage: stage, SubVerdict: subVerdict}
	if input != nil {
		if d, err := canon.Digest(input); err == nil {
			rec.InputDigest = d
		}
	}
	if output != nil {
		if d, err := canon.Digest(output); err == nil {
			rec.OutputDigest = d
		}
	}
	p.mu.Lock()
	p.Stages = append(p.Stages, rec)
	p.mu.Unlock()
}

// Finalize sets the overall verdict and computes the final hash over the
// request hash and every stage record, in order.
func (p *Proof) Finalize(verdict string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Verdict = verdict
	acc := p.RequestHash
	for _, rec := range p.Stages {
		next, err := canon.ChainDigest(acc, rec)
		if err != nil {
			return err
		}
		acc = next
	}
	final, err := canon.ChainDigest(acc, map[string]any{
		"request_id": p.RequestID,
		"verdict":    verdict,
	})
	if err != nil {
		return err
	}
	p.FinalHash = final
	return nil
}

// Notes renders the transcript for embedding in a receipt's notes field.
func (p *Proof) Notes() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()

	stages := make([]any, 0, len(p.Stages))
	for _, rec := range p.Stages {
		stages = append(stages, map[string]any{
			"stage":         rec.Stage,
			"input_digest":  rec.InputDigest,
			"output_digest": rec.OutputDigest,
			"sub_verdict":   rec.SubVerdict,
		})
	}
	return map[string]any{
		"request_id":   p.RequestID,
		"request_hash": p.RequestHash,
		"stages":       stages,
		"verdict":      p.Verdict,
		"final_hash":   p.FinalHash,
	}
}
