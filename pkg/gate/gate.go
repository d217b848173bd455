// Package gate implements the side-effect gate: the single choke point for
// every state-changing operation. A component below the gate writes only by
// receiving a closure from the gate, invoked after the decision kernel has
// allowed the operation; every branch (allow, deny, timeout, panic)
// appends a chained receipt before the gate returns.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/corridor-systems/corridor/pkg/canon"
	"github.com/corridor-systems/corridor/pkg/capabilities"
	"github.com/corridor-systems/corridor/pkg/decision"
	"github.com/corridor-systems/corridor/pkg/payload"
	"github.com/corridor-systems/corridor/pkg/reason"
	"github.com/corridor-systems/corridor/pkg/receipts"
)

// Closure is a handler body: it receives the sanitized payload and the
// redeemed capability token and returns the result payload. Handlers may
// not call storage directly; writes flow back through the gate.
type Closure func(ctx context.Context, p payload.Value, token capabilities.Token) (payload.Value, error)

// Request carries everything the gate needs for one execution.
type Request struct {
	Actor          string
	ActionID       string
	Endpoint       string
	JobID          string
	Payload        payload.Value
	Token          *capabilities.Token
	IdempotencyKey string
}

// Result is the gate's outcome.
type Result struct {
	Success  bool
	Verdict  decision.Verdict
	Reason   reason.Code
	Message  string
	Output   payload.Value
	Receipt  *receipts.Receipt
	Replayed bool
}

// Config bounds the gate.
type Config struct {
	JobTimeout     time.Duration
	IdempotencyTTL time.Duration
}

// Gate wires the kernel, token ledger, receipt chain, semaphore, and
// idempotency ledger into the single execution path.
type Gate struct {
	cfg    Config
	kernel *decision.Kernel
	tokens *capabilities.Ledger
	chain  *receipts.Chain
	sem    *Semaphore
	idem   *IdempotencyLedger
	clock  func() time.Time
}

// New builds the gate.
func New(cfg Config, kernel *decision.Kernel, tokens *capabilities.Ledger, chain *receipts.Chain, sem *Semaphore) *Gate {
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = time.Hour
	}
	return &Gate{
		cfg:    cfg,
		kernel: kernel,
		tokens: tokens,
		chain:  chain,
		sem:    sem,
		idem:   NewIdempotencyLedger(cfg.IdempotencyTTL),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// Execute runs one side effect under full governance. The supplied token
// must have been minted by the decision kernel for this exact
// (action, payload) pair.
func (g *Gate) Execute(ctx context.Context, req Request, closure Closure) Result {
	// Re-run the decision kernel with the supplied context. Consent or
	// policy may have changed since the token was minted.
	res := g.kernel.Recheck(req.Actor, req.ActionID, req.Payload)
	if res.Verdict != decision.Allow {
		return g.deny(ctx, req, res.Reason, res.Message, nil)
	}

	// Redeem the single-use token against the actual action and payload.
	if req.Token == nil {
		return g.deny(ctx, req, reason.ActionGateBypass, "side effect attempted without capability token", nil)
	}
	payloadHash, err := payloadDigest(req.Payload)
	if err != nil {
		return g.deny(ctx, req, reason.UncertainFailClosed, "payload digest failed", nil)
	}
	outcome := g.tokens.Redeem(req.Token.TokenID, req.ActionID, payloadHash, g.clock().UTC())
	if outcome != capabilities.RedeemOK {
		return g.deny(ctx, req, outcome.ReasonCode(), "token redemption failed: "+string(outcome), nil)
	}

	// Concurrency slots apply to side-effecting actions only.
	holdsSlot := false
	if res.Action.SideEffecting {
		if !g.sem.Acquire(req.Actor) {
			return g.deny(ctx, req, reason.JobConcurrencyLimit, "concurrency budget exhausted", nil)
		}
		holdsSlot = true
	}
	// The slot is released after the receipt for this execution is
	// appended, so a concurrent acquirer can never observe a free slot
	// ahead of the audit record that freed it.
	defer func() {
		if holdsSlot {
			g.sem.Release(req.Actor)
		}
	}()

	// Idempotency: an identical repeat replays the stored response; a
	// conflicting repeat mutates nothing.
	switch stored, hit := g.idem.Lookup(req.Endpoint, req.IdempotencyKey, payloadHash); hit {
	case LookupReplay:
		allowReceipt, rerr := g.appendReceipt(ctx, req, receipts.DecisionAllow, reason.None,
			map[string]any{"idempotent_replay": true})
		if rerr != nil {
			return Result{Success: false, Verdict: decision.Deny, Reason: reason.UncertainFailClosed, Message: rerr.Error()}
		}
		return Result{Success: true, Verdict: decision.Allow, Output: stored, Receipt: allowReceipt, Replayed: true}
	case LookupConflict:
		return g.deny(ctx, req, reason.GovernanceDeny, "idempotency key reuse with differing payload", nil)
	}

	// Run the closure under the job timeout, capturing panics as
	// uncertainty.
	output, cerr := g.run(ctx, req, closure)
	if cerr != nil {
		// A client disconnect aborts only the closure; receipts already
		// appended for this request are preserved, and the denial receipt
		// below still lands.
		code := reason.UncertainFailClosed
		if errors.Is(cerr, context.DeadlineExceeded) {
			code = reason.Timeout
		}
		return g.deny(context.WithoutCancel(ctx), req, code, cerr.Error(), nil)
	}

	g.idem.Store(req.Endpoint, req.IdempotencyKey, payloadHash, output)

	allowReceipt, rerr := g.appendReceipt(ctx, req, receipts.DecisionAllow, reason.None, nil)
	if rerr != nil {
		return Result{Success: false, Verdict: decision.Deny, Reason: reason.UncertainFailClosed, Message: rerr.Error()}
	}
	return Result{Success: true, Verdict: decision.Allow, Output: output, Receipt: allowReceipt}
}

// run invokes the closure with the timeout and panic discipline.
func (g *Gate) run(ctx context.Context, req Request, closure Closure) (out payload.Value, err error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if g.cfg.JobTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, g.cfg.JobTimeout)
		defer cancel()
	}

	type closureResult struct {
		out payload.Value
		err error
	}
	done := make(chan closureResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- closureResult{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		o, e := closure(runCtx, req.Payload, *req.Token)
		done <- closureResult{out: o, err: e}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-runCtx.Done():
		return nil, runCtx.Err()
	}
}

// deny appends a denial receipt and returns the failed result. Receipt
// append failure downgrades to a bare uncertainty denial: no error is ever
// silently transformed into a success.
func (g *Gate) deny(ctx context.Context, req Request, code reason.Code, msg string, notes map[string]any) Result {
	if notes == nil {
		notes = map[string]any{}
	}
	notes["detail"] = msg
	r, err := g.appendReceipt(ctx, req, receipts.DecisionDeny, code, notes)
	if err != nil {
		return Result{Success: false, Verdict: decision.Deny, Reason: reason.UncertainFailClosed, Message: err.Error()}
	}
	return Result{Success: false, Verdict: decision.Deny, Reason: code, Message: msg, Receipt: r}
}

func (g *Gate) appendReceipt(ctx context.Context, req Request, d receipts.Decision, code reason.Code, notes map[string]any) (*receipts.Receipt, error) {
	digest, err := payloadDigest(req.Payload)
	if err != nil {
		digest = ""
	}
	r := &receipts.Receipt{
		JobID:         req.JobID,
		Stage:         "gate",
		ActionID:      req.ActionID,
		Decision:      d,
		ReasonCode:    code,
		PayloadDigest: digest,
		Notes:         notes,
	}
	if artifact := g.kernel.Artifact(); artifact != nil {
		r.ArtifactID = artifact.ID()
		r.ArtifactVersion = artifact.Version
		r.PolicyID = artifact.ID() + "@" + artifact.Version
	}
	return g.chain.Append(ctx, r)
}

func payloadDigest(p payload.Value) (string, error) {
	if p == nil {
		return "", nil
	}
	return canon.Digest(p)
}
