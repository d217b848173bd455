// Package genome loads and verifies the signed policy artifact: the root
// of trust for every decision the corridor makes. A load failure is fatal:
// the orchestrator refuses all requests without a verified artifact.
package genome

import (
	"time"
)

// SchemaVersion is the only artifact schema this build understands.
const SchemaVersion = "1"

// Signer is an authorized artifact signer.
type Signer struct {
	KeyID     string `json:"key_id"`
	PublicKey string `json:"public_key"`
}

// Invariant is a treaty claim carried for audit attribution.
type Invariant struct {
	ID       string `json:"id"`
	Severity string `json:"severity"`
	Claim    string `json:"claim"`
}

// Capability describes one grant: the actions it allows and the actions it
// explicitly denies. Deny entries win over allow entries.
type Capability struct {
	ID        string   `json:"id"`
	RiskClass string   `json:"risk_class"`
	Allow     []string `json:"allow"`
	Deny      []string `json:"deny,omitempty"`
}

// Signature is one detached signature over the artifact's canonical form.
type Signature struct {
	KeyID     string `json:"key_id"`
	Signature string `json:"signature"`
}

// Artifact is the signed, versioned policy bundle. Immutable after load.
type Artifact struct {
	SchemaVersion      string            `json:"schema_version"`
	Name               string            `json:"name"`
	Version            string            `json:"version"`
	Signers            []Signer          `json:"signers"`
	SignatureThreshold int               `json:"signature_threshold"`
	Invariants         []Invariant       `json:"invariants,omitempty"`
	Capabilities       []Capability      `json:"capabilities"`
	BuildManifest      map[string]string `json:"build_manifest,omitempty"`
	Signatures         []Signature       `json:"signatures"`

	// LoadedAt is stamped by the loader for receipt attribution.
	LoadedAt time.Time `json:"-"`
}

// ID returns the artifact identifier published on receipts.
func (a *Artifact) ID() string {
	return a.Name
}

// signingBody returns the document that signatures cover: every field
// except the detached signature block.
func (a *Artifact) signingBody() map[string]any {
	return map[string]any{
		"schema_version":      a.SchemaVersion,
		"name":                a.Name,
		"version":             a.Version,
		"signers":             a.Signers,
		"signature_threshold": a.SignatureThreshold,
		"invariants":          a.Invariants,
		"capabilities":        a.Capabilities,
		"build_manifest":      a.BuildManifest,
	}
}

// FindCapability returns the first capability whose allow-list contains
// actionID and whose deny-list does not, or nil.
func (a *Artifact) FindCapability(actionID string) *Capability {
	for i := range a.Capabilities {
		c := &a.Capabilities[i]
		if contains(c.Deny, actionID) {
			continue
		}
		if contains(c.Allow, actionID) {
			return c
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
