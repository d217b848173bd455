package decision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corridor-systems/corridor/pkg/canon"
	"github.com/corridor-systems/corridor/pkg/capabilities"
	"github.com/corridor-systems/corridor/pkg/consent"
	"github.com/corridor-systems/corridor/pkg/genome"
	"github.com/corridor-systems/corridor/pkg/payload"
	"github.com/corridor-systems/corridor/pkg/reason"
	"github.com/corridor-systems/corridor/pkg/registry"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testArtifact(t *testing.T) *genome.Artifact {
	t.Helper()
	signer, err := canon.NewSigner("k1")
	require.NoError(t, err)
	a := &genome.Artifact{
		SchemaVersion:      genome.SchemaVersion,
		Name:               "corridor-treaty",
		Version:            "1.0.0",
		Signers:            []genome.Signer{{KeyID: "k1", PublicKey: signer.PublicKey()}},
		SignatureThreshold: 1,
		Capabilities: []genome.Capability{
			{ID: "cap:execute", RiskClass: "high", Allow: []string{registry.ActionJobRun, registry.ActionJobCancel}},
			{ID: "cap:memory", RiskClass: "medium", Allow: []string{registry.ActionMemoryCreate, registry.ActionMemoryQuery}},
			{ID: "cap:interpret", RiskClass: "medium", Allow: []string{registry.ActionOIInterpret}},
		},
	}
	require.NoError(t, genome.Sign(a, signer))
	return a
}

func testKernel(t *testing.T, artifact *genome.Artifact, anchors []string) (*Kernel, *consent.Store, *capabilities.Ledger) {
	t.Helper()
	cons := consent.NewStore(anchors)
	ledger := capabilities.NewLedger(5*time.Minute, time.Minute)
	k, err := NewKernel(artifact, registry.Default(), cons, ledger)
	require.NoError(t, err)
	return k, cons, ledger
}

func TestAllowMintsToken(t *testing.T) {
	k, _, ledger := testKernel(t, testArtifact(t), nil)
	p := map[string]payload.Value{"job": "build", "in": "test.md"}

	res := k.CheckAction("alice", registry.ActionJobRun, p, "/v1/jobs", "POST", "sha256:req")
	require.Equal(t, Allow, res.Verdict)
	require.NotNil(t, res.Token)
	assert.Equal(t, "cap:execute", res.CapabilityID)
	assert.Equal(t, registry.ActionJobRun, res.Token.ActionID)

	wantHash, err := canon.Digest(p)
	require.NoError(t, err)
	assert.Equal(t, wantHash, res.Token.PayloadHash)
	assert.Equal(t, capabilities.RedeemOK, ledger.Redeem(res.Token.TokenID, registry.ActionJobRun, wantHash, t0))
}

func TestDenyWithoutArtifact(t *testing.T) {
	k, _, _ := testKernel(t, nil, nil)
	res := k.CheckAction("alice", registry.ActionJobRun, nil, "/", "POST", "h")
	assert.Equal(t, Deny, res.Verdict)
	assert.Equal(t, reason.TreatyUnavailable, res.Reason)
	assert.Nil(t, res.Token)
}

func TestDenyUnregisteredAction(t *testing.T) {
	k, _, _ := testKernel(t, testArtifact(t), nil)
	res := k.CheckAction("alice", "action:unknown:xyz", nil, "/", "POST", "h")
	assert.Equal(t, Deny, res.Verdict)
	assert.Equal(t, reason.UnregisteredAction, res.Reason)
}

func TestDenyWithoutCapability(t *testing.T) {
	a := testArtifact(t)
	// Strip the knowledge capability entirely: the action is registered but
	// no grant covers it.
	k, _, _ := testKernel(t, a, nil)
	res := k.CheckAction("alice", registry.ActionKnowledgeIngest, nil, "/", "POST", "h")
	assert.Equal(t, Deny, res.Verdict)
	assert.Equal(t, reason.CDIActionDenied, res.Reason)
}

func TestDenyOnActorStop(t *testing.T) {
	k, cons, _ := testKernel(t, testArtifact(t), nil)
	cons.Record(consent.Signal{Actor: "alice", Kind: consent.Stop, Timestamp: t0})

	res := k.CheckAction("alice", registry.ActionJobRun, nil, "/", "POST", "h")
	assert.Equal(t, Deny, res.Verdict)
	assert.Equal(t, reason.ConsentStopActive, res.Reason)

	// Other actors are unaffected by a non-anchor stop.
	res = k.CheckAction("bob", registry.ActionJobRun, map[string]payload.Value{}, "/", "POST", "h")
	assert.Equal(t, Allow, res.Verdict)
}

func TestAnchorStopDeniesAllActors(t *testing.T) {
	k, cons, _ := testKernel(t, testArtifact(t), []string{"anchor"})
	cons.Record(consent.Signal{Actor: "anchor", Kind: consent.Stop, Timestamp: t0})

	res := k.CheckAction("alice", registry.ActionMemoryCreate,
		map[string]payload.Value{"id": "x", "type": "t"}, "/v1/memory", "POST", "h")
	assert.Equal(t, Deny, res.Verdict)
	assert.Equal(t, reason.ConsentStopActive, res.Reason)
	assert.Contains(t, res.Message, "anchor")
	assert.Contains(t, res.Message, string(reason.CDIActionDenied))
}

func TestHiveCoordinationForbidden(t *testing.T) {
	k, _, _ := testKernel(t, testArtifact(t), nil)

	res := k.CheckAction("alice", registry.ActionJobRun,
		map[string]payload.Value{"peer_instances": []payload.Value{"node-2"}}, "/", "POST", "h")
	assert.Equal(t, Deny, res.Verdict)
	assert.Equal(t, reason.CDIHiveForbidden, res.Reason)

	res = k.CheckAction("alice", registry.ActionJobRun,
		map[string]payload.Value{"type": "coordination_beacon"}, "/", "POST", "h")
	assert.Equal(t, Deny, res.Verdict)
	assert.Equal(t, reason.CDIHiveForbidden, res.Reason)
}

func TestDeterminism(t *testing.T) {
	k, _, _ := testKernel(t, testArtifact(t), nil)
	p := map[string]payload.Value{"job": "build"}

	first := k.CheckAction("alice", registry.ActionJobRun, p, "/", "POST", "h")
	for i := 0; i < 5; i++ {
		next := k.CheckAction("alice", registry.ActionJobRun, p, "/", "POST", "h")
		assert.Equal(t, first.Verdict, next.Verdict)
		assert.Equal(t, first.Reason, next.Reason)
		// Token ids are the only varying output on allow.
		assert.NotEqual(t, first.Token.TokenID, next.Token.TokenID)
		assert.Equal(t, first.Token.PayloadHash, next.Token.PayloadHash)
	}
}
