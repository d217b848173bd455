// Package receipts implements the hash-linked, append-only governance
// receipt chain: the corridor's audit log. Every verdict, allow or deny,
// appends exactly one receipt; persistence precedes acknowledgement.
package receipts

import (
	"time"

	"github.com/corridor-systems/corridor/pkg/canon"
	"github.com/corridor-systems/corridor/pkg/reason"
)

// Decision is the tagged verdict a receipt records.
type Decision string

const (
	DecisionAllow     Decision = "allow"
	DecisionDeny      Decision = "deny"
	DecisionTransform Decision = "transform"
)

// JobSystem is the job_id used for receipts not attributable to a job.
const JobSystem = "system"

// GenesisHash anchors the chain before the first receipt.
const GenesisHash = "genesis"

// Receipt is one chained governance record.
type Receipt struct {
	Sequence        uint64         `json:"sequence"`
	Timestamp       time.Time      `json:"timestamp"`
	JobID           string         `json:"job_id"`
	Stage           string         `json:"stage"`
	ActionID        string         `json:"action_id"`
	Decision        Decision       `json:"decision"`
	ReasonCode      reason.Code    `json:"reason_code"`
	PolicyID        string         `json:"policy_id"`
	ArtifactID      string         `json:"artifact_id"`
	ArtifactVersion string         `json:"artifact_version"`
	PreviousHash    string         `json:"previous_hash"`
	SelfHash        string         `json:"self_hash"`
	PayloadDigest   string         `json:"payload_digest"`
	Notes           map[string]any `json:"notes,omitempty"`
}

// hashBody is the receipt without its self_hash, rendered with
// string-typed scalars for canonical hashing.
func (r *Receipt) hashBody() map[string]any {
	return map[string]any{
		"sequence":         r.Sequence,
		"timestamp":        r.Timestamp.UTC().Format(time.RFC3339Nano),
		"job_id":           r.JobID,
		"stage":            r.Stage,
		"action_id":        r.ActionID,
		"decision":         string(r.Decision),
		"reason_code":      string(r.ReasonCode),
		"policy_id":        r.PolicyID,
		"artifact_id":      r.ArtifactID,
		"artifact_version": r.ArtifactVersion,
		"previous_hash":    r.PreviousHash,
		"payload_digest":   r.PayloadDigest,
		"notes":            r.Notes,
	}
}

// ComputeSelfHash derives H(previous_hash ‖ canonical(body)).
func (r *Receipt) ComputeSelfHash() (string, error) {
	return canon.ChainDigest(r.PreviousHash, r.hashBody())
}
