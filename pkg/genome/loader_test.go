package genome

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corridor-systems/corridor/pkg/canon"
	"github.com/corridor-systems/corridor/pkg/reason"
)

func testArtifact(t *testing.T) (*Artifact, *canon.Signer) {
	t.Helper()
	signer, err := canon.NewSigner("k1")
	require.NoError(t, err)

	a := &Artifact{
		SchemaVersion:      SchemaVersion,
		Name:               "corridor-treaty",
		Version:            "1.0.0",
		Signers:            []Signer{{KeyID: "k1", PublicKey: signer.PublicKey()}},
		SignatureThreshold: 1,
		Invariants: []Invariant{
			{ID: "inv-receipts", Severity: "critical", Claim: "every verdict appends a receipt"},
		},
		Capabilities: []Capability{
			{ID: "cap:execute", RiskClass: "high", Allow: []string{"action:job:run", "action:job:cancel"}},
			{ID: "cap:memory", RiskClass: "medium", Allow: []string{"action:memory:create", "action:memory:query"}, Deny: []string{"action:job:run"}},
		},
		BuildManifest: map[string]string{},
	}
	require.NoError(t, Sign(a, signer))
	return a, signer
}

func marshal(t *testing.T, a *Artifact) []byte {
	t.Helper()
	raw, err := json.Marshal(a)
	require.NoError(t, err)
	return raw
}

func TestParseValidArtifact(t *testing.T) {
	a, _ := testArtifact(t)
	got, err := Parse(marshal(t, a), "", ModeDevelopment)
	require.NoError(t, err)
	assert.Equal(t, "corridor-treaty", got.ID())
	assert.Equal(t, "1.0.0", got.Version)
	assert.False(t, got.LoadedAt.IsZero())
}

func TestParseRejectsUnknownSchemaVersion(t *testing.T) {
	a, signer := testArtifact(t)
	a.SchemaVersion = "99"
	a.Signatures = nil
	require.NoError(t, Sign(a, signer))

	_, err := Parse(marshal(t, a), "", ModeDevelopment)
	var denial *reason.Denial
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, reason.GenomeInvalid, denial.Code)
}

func TestParseRejectsTamperedBody(t *testing.T) {
	a, _ := testArtifact(t)
	a.Version = "6.6.6" // signed over 1.0.0

	_, err := Parse(marshal(t, a), "", ModeDevelopment)
	var denial *reason.Denial
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, reason.GenomeInvalid, denial.Code)
	assert.Contains(t, denial.Message, "invalid signature")
}

func TestParseRejectsUnauthorizedSigner(t *testing.T) {
	a, _ := testArtifact(t)
	rogue, err := canon.NewSigner("rogue")
	require.NoError(t, err)
	require.NoError(t, Sign(a, rogue))

	_, err = Parse(marshal(t, a), "", ModeDevelopment)
	var denial *reason.Denial
	require.ErrorAs(t, err, &denial)
	assert.Contains(t, denial.Message, "unauthorized key")
}

func TestParseRejectsMissingSigners(t *testing.T) {
	a, _ := testArtifact(t)
	a.Signers = nil

	_, err := Parse(marshal(t, a), "", ModeDevelopment)
	var denial *reason.Denial
	require.ErrorAs(t, err, &denial)
	assert.Contains(t, denial.Message, "schema violation")
}

func TestQuorumThreshold(t *testing.T) {
	s1, err := canon.NewSigner("k1")
	require.NoError(t, err)
	s2, err := canon.NewSigner("k2")
	require.NoError(t, err)

	a := &Artifact{
		SchemaVersion:      SchemaVersion,
		Name:               "corridor-treaty",
		Version:            "1.0.0",
		Signers:            []Signer{{KeyID: "k1", PublicKey: s1.PublicKey()}, {KeyID: "k2", PublicKey: s2.PublicKey()}},
		SignatureThreshold: 2,
		Capabilities:       []Capability{{ID: "cap:execute", RiskClass: "high", Allow: []string{"action:job:run"}}},
		BuildManifest:      map[string]string{},
	}
	require.NoError(t, Sign(a, s1))

	_, err = Parse(marshal(t, a), "", ModeDevelopment)
	var denial *reason.Denial
	require.ErrorAs(t, err, &denial)
	assert.Contains(t, denial.Message, "quorum not met")

	require.NoError(t, Sign(a, s2))
	_, err = Parse(marshal(t, a), "", ModeDevelopment)
	assert.NoError(t, err)
}

func TestProductionManifestVerification(t *testing.T) {
	dir := t.TempDir()
	content := []byte("package corridor\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gate.go"), content, 0o600))
	h := sha256.Sum256(content)

	signer, err := canon.NewSigner("k1")
	require.NoError(t, err)
	a := &Artifact{
		SchemaVersion:      SchemaVersion,
		Name:               "corridor-treaty",
		Version:            "1.0.0",
		Signers:            []Signer{{KeyID: "k1", PublicKey: signer.PublicKey()}},
		SignatureThreshold: 1,
		Capabilities:       []Capability{{ID: "cap:execute", RiskClass: "high", Allow: []string{"action:job:run"}}},
		BuildManifest:      map[string]string{"gate.go": hex.EncodeToString(h[:])},
	}
	require.NoError(t, Sign(a, signer))

	_, err = Parse(marshal(t, a), dir, ModeProduction)
	assert.NoError(t, err)

	// Tamper with the file: production load must fail.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gate.go"), []byte("tampered"), 0o600))
	_, err = Parse(marshal(t, a), dir, ModeProduction)
	var denial *reason.Denial
	require.ErrorAs(t, err, &denial)
	assert.Contains(t, denial.Message, "manifest mismatch")

	// Development posture skips the manifest entirely.
	_, err = Parse(marshal(t, a), dir, ModeDevelopment)
	assert.NoError(t, err)
}

func TestFindCapabilityDenyWins(t *testing.T) {
	a, _ := testArtifact(t)
	c := a.FindCapability("action:job:run")
	require.NotNil(t, c)
	assert.Equal(t, "cap:execute", c.ID)

	assert.Nil(t, a.FindCapability("action:unknown:xyz"))
}
