package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corridor-systems/corridor/pkg/canon"
	"github.com/corridor-systems/corridor/pkg/capabilities"
	"github.com/corridor-systems/corridor/pkg/consent"
	"github.com/corridor-systems/corridor/pkg/decision"
	"github.com/corridor-systems/corridor/pkg/genome"
	"github.com/corridor-systems/corridor/pkg/payload"
	"github.com/corridor-systems/corridor/pkg/reason"
	"github.com/corridor-systems/corridor/pkg/receipts"
	"github.com/corridor-systems/corridor/pkg/registry"
)

type fixture struct {
	gate   *Gate
	kernel *decision.Kernel
	cons   *consent.Store
	chain  *receipts.Chain
	store  *receipts.MemoryStore
	tokens *capabilities.Ledger
}

func newFixture(t *testing.T, cfg Config, sem *Semaphore) *fixture {
	t.Helper()
	signer, err := canon.NewSigner("k1")
	require.NoError(t, err)
	artifact := &genome.Artifact{
		SchemaVersion:      genome.SchemaVersion,
		Name:               "corridor-treaty",
		Version:            "1.0.0",
		Signers:            []genome.Signer{{KeyID: "k1", PublicKey: signer.PublicKey()}},
		SignatureThreshold: 1,
		Capabilities: []genome.Capability{
			{ID: "cap:execute", RiskClass: "high", Allow: []string{registry.ActionJobRun}},
			{ID: "cap:memory", RiskClass: "medium", Allow: []string{registry.ActionMemoryCreate, registry.ActionMemoryQuery}},
		},
	}
	require.NoError(t, genome.Sign(artifact, signer))

	cons := consent.NewStore([]string{"anchor"})
	tokens := capabilities.NewLedger(5*time.Minute, time.Minute)
	kernel, err := decision.NewKernel(artifact, registry.Default(), cons, tokens)
	require.NoError(t, err)

	store := receipts.NewMemoryStore()
	chain, err := receipts.NewChain(context.Background(), store)
	require.NoError(t, err)

	if sem == nil {
		sem = NewSemaphore(8, 2)
	}
	if cfg.JobTimeout == 0 {
		cfg.JobTimeout = time.Second
	}
	return &fixture{
		gate:   New(cfg, kernel, tokens, chain, sem),
		kernel: kernel,
		cons:   cons,
		chain:  chain,
		store:  store,
		tokens: tokens,
	}
}

func (f *fixture) allow(t *testing.T, actor, actionID string, p payload.Value) Request {
	t.Helper()
	res := f.kernel.CheckAction(actor, actionID, p, "/v1/jobs", "POST", "h")
	require.Equal(t, decision.Allow, res.Verdict, res.Message)
	return Request{
		Actor:    actor,
		ActionID: actionID,
		Endpoint: "/v1/jobs",
		JobID:    "job-1",
		Payload:  p,
		Token:    res.Token,
	}
}

func echoClosure(ctx context.Context, p payload.Value, _ capabilities.Token) (payload.Value, error) {
	return map[string]payload.Value{"status": "ok"}, nil
}

func TestExecuteSuccessAppendsAllowReceipt(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	req := f.allow(t, "alice", registry.ActionJobRun, map[string]payload.Value{"job": "build"})

	res := f.gate.Execute(context.Background(), req, echoClosure)
	require.True(t, res.Success)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, receipts.DecisionAllow, res.Receipt.Decision)
	assert.Equal(t, registry.ActionJobRun, res.Receipt.ActionID)
	assert.Equal(t, "corridor-treaty", res.Receipt.ArtifactID)
	assert.Equal(t, "1.0.0", res.Receipt.ArtifactVersion)
	assert.NoError(t, f.chain.ValidateChain(context.Background()))
}

func TestTokenReplayDenied(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	req := f.allow(t, "alice", registry.ActionJobRun, map[string]payload.Value{"job": "build"})

	first := f.gate.Execute(context.Background(), req, echoClosure)
	require.True(t, first.Success)

	second := f.gate.Execute(context.Background(), req, echoClosure)
	assert.False(t, second.Success)
	assert.Equal(t, reason.TokenReplayed, second.Reason)
	require.NotNil(t, second.Receipt)
	assert.Equal(t, receipts.DecisionDeny, second.Receipt.Decision)
}

func TestTokenPayloadMismatchDenied(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	req := f.allow(t, "alice", registry.ActionJobRun, map[string]payload.Value{"job": "build"})
	req.Payload = map[string]payload.Value{"job": "tampered"}

	res := f.gate.Execute(context.Background(), req, echoClosure)
	assert.False(t, res.Success)
	assert.Equal(t, reason.CDIActionDenied, res.Reason)
	assert.Contains(t, res.Message, "payload_mismatch")
}

func TestMissingTokenIsBypassAttempt(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	req := f.allow(t, "alice", registry.ActionJobRun, map[string]payload.Value{"job": "build"})
	req.Token = nil

	res := f.gate.Execute(context.Background(), req, echoClosure)
	assert.False(t, res.Success)
	assert.Equal(t, reason.ActionGateBypass, res.Reason)
}

func TestConsentChangeBetweenMintAndExecute(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	req := f.allow(t, "alice", registry.ActionJobRun, map[string]payload.Value{"job": "build"})

	// Anchor stop lands after the token was minted; the gate's re-check
	// must catch it.
	f.cons.Record(consent.Signal{Actor: "anchor", Kind: consent.Stop, Timestamp: time.Now()})

	res := f.gate.Execute(context.Background(), req, echoClosure)
	assert.False(t, res.Success)
	assert.Equal(t, reason.ConsentStopActive, res.Reason)
}

func TestPanicBecomesUncertainFailClosed(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	req := f.allow(t, "alice", registry.ActionJobRun, map[string]payload.Value{"job": "build"})

	res := f.gate.Execute(context.Background(), req, func(context.Context, payload.Value, capabilities.Token) (payload.Value, error) {
		panic("handler exploded")
	})
	assert.False(t, res.Success)
	assert.Equal(t, reason.UncertainFailClosed, res.Reason)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, receipts.DecisionDeny, res.Receipt.Decision)
}

func TestHandlerErrorFailsClosed(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	req := f.allow(t, "alice", registry.ActionJobRun, map[string]payload.Value{"job": "build"})

	res := f.gate.Execute(context.Background(), req, func(context.Context, payload.Value, capabilities.Token) (payload.Value, error) {
		return nil, errors.New("downstream unavailable")
	})
	assert.False(t, res.Success)
	assert.Equal(t, reason.UncertainFailClosed, res.Reason)
}

func TestTimeoutDenied(t *testing.T) {
	f := newFixture(t, Config{JobTimeout: 20 * time.Millisecond}, nil)
	req := f.allow(t, "alice", registry.ActionJobRun, map[string]payload.Value{"job": "build"})

	res := f.gate.Execute(context.Background(), req, func(ctx context.Context, _ payload.Value, _ capabilities.Token) (payload.Value, error) {
		select {
		case <-time.After(time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	assert.False(t, res.Success)
	assert.Equal(t, reason.Timeout, res.Reason)
	require.NotNil(t, res.Receipt)
}

func TestConcurrencyExhaustionDenies(t *testing.T) {
	f := newFixture(t, Config{JobTimeout: 5 * time.Second}, NewSemaphore(1, 1))

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		req := f.allow(t, "alice", registry.ActionJobRun, map[string]payload.Value{"job": "hold"})
		res := f.gate.Execute(context.Background(), req, func(context.Context, payload.Value, capabilities.Token) (payload.Value, error) {
			close(started)
			<-release
			return map[string]payload.Value{"status": "ok"}, nil
		})
		assert.True(t, res.Success)
	}()
	<-started

	req := f.allow(t, "bob", registry.ActionJobRun, map[string]payload.Value{"job": "second"})
	res := f.gate.Execute(context.Background(), req, echoClosure)
	assert.False(t, res.Success)
	assert.Equal(t, reason.JobConcurrencyLimit, res.Reason)

	close(release)
	wg.Wait()
	assert.Equal(t, 0, f.gate.sem.InUse())
}

func TestIdempotentReplay(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	p := map[string]payload.Value{"job": "build"}

	calls := 0
	closure := func(context.Context, payload.Value, capabilities.Token) (payload.Value, error) {
		calls++
		return map[string]payload.Value{"status": "ok", "call": float64(calls)}, nil
	}

	req := f.allow(t, "alice", registry.ActionJobRun, p)
	req.IdempotencyKey = "key-1"
	first := f.gate.Execute(context.Background(), req, closure)
	require.True(t, first.Success)

	req2 := f.allow(t, "alice", registry.ActionJobRun, p)
	req2.IdempotencyKey = "key-1"
	second := f.gate.Execute(context.Background(), req2, closure)
	require.True(t, second.Success)
	assert.True(t, second.Replayed)
	assert.Equal(t, 1, calls)
	assert.Equal(t, first.Output, second.Output)
	require.NotNil(t, second.Receipt)
	assert.Equal(t, true, second.Receipt.Notes["idempotent_replay"])

	// Both calls produced receipts.
	all, err := f.chain.ReadByJob(context.Background(), "job-1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestIdempotencyConflict(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	req := f.allow(t, "alice", registry.ActionJobRun, map[string]payload.Value{"job": "build"})
	req.IdempotencyKey = "key-1"
	require.True(t, f.gate.Execute(context.Background(), req, echoClosure).Success)

	req2 := f.allow(t, "alice", registry.ActionJobRun, map[string]payload.Value{"job": "different"})
	req2.IdempotencyKey = "key-1"
	res := f.gate.Execute(context.Background(), req2, echoClosure)
	assert.False(t, res.Success)
	assert.Equal(t, reason.GovernanceDeny, res.Reason)
}

func TestReadActionSkipsSemaphore(t *testing.T) {
	// A zero-capacity semaphore would deny any side-effecting action; a
	// read action must pass.
	f := newFixture(t, Config{}, NewSemaphore(0, 0))
	req := f.allow(t, "alice", registry.ActionMemoryQuery, map[string]payload.Value{"q": "recent"})

	res := f.gate.Execute(context.Background(), req, echoClosure)
	assert.True(t, res.Success)
}
