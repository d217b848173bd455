package proof

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndFinalize(t *testing.T) {
	p := New("req-1", "sha256:req")
	p.Record(StageIngress, map[string]any{"job": "x"}, map[string]any{"job": "x"}, "allow")
	p.Record(StageDecision, map[string]any{"job": "x"}, nil, "allow")

	require.NoError(t, p.Finalize("allow"))
	assert.Equal(t, "allow", p.Verdict)
	assert.NotEmpty(t, p.FinalHash)
	assert.Len(t, p.Stages, 2)
	assert.NotEmpty(t, p.Stages[0].InputDigest)
	assert.Empty(t, p.Stages[1].OutputDigest)
}

func TestFinalHashCoversStages(t *testing.T) {
	a := New("req-1", "sha256:req")
	a.Record(StageIngress, "in", "out", "allow")
	require.NoError(t, a.Finalize("allow"))

	b := New("req-1", "sha256:req")
	b.Record(StageIngress, "in", "out", "deny")
	require.NoError(t, b.Finalize("allow"))

	assert.NotEqual(t, a.FinalHash, b.FinalHash)
}

func TestFinalHashDeterministic(t *testing.T) {
	build := func() *Proof {
		p := New("req-1", "sha256:req")
		p.Record(StageIngress, "in", "out", "allow")
		p.Record(StageDecision, "in", nil, "allow")
		_ = p.Finalize("deny")
		return p
	}
	assert.Equal(t, build().FinalHash, build().FinalHash)
}

func TestNotesShape(t *testing.T) {
	p := New("req-1", "sha256:req")
	p.Record(StageIngress, "in", "out", "allow")
	require.NoError(t, p.Finalize("allow"))

	notes := p.Notes()
	assert.Equal(t, "req-1", notes["request_id"])
	assert.Equal(t, p.FinalHash, notes["final_hash"])
	stages := notes["stages"].([]any)
	require.Len(t, stages, 1)
	assert.Equal(t, StageIngress, stages[0].(map[string]any)["stage"])
}
