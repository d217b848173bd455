// Package pipeline composes the corridor's stages into the one atomic
// request path: ingress firewall, decision kernel, side-effect gate,
// output policy, egress firewall, chained receipt. There is no path from
// request to response that bypasses a receipt append, and any stage error
// fails closed.
package pipeline

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/corridor-systems/corridor/pkg/canon"
	"github.com/corridor-systems/corridor/pkg/decision"
	"github.com/corridor-systems/corridor/pkg/firewall"
	"github.com/corridor-systems/corridor/pkg/gate"
	"github.com/corridor-systems/corridor/pkg/payload"
	"github.com/corridor-systems/corridor/pkg/proof"
	"github.com/corridor-systems/corridor/pkg/reason"
	"github.com/corridor-systems/corridor/pkg/receipts"
)

// Envelope is the normalized call object transports hand to the
// orchestrator.
type Envelope struct {
	Actor       string
	ActionID    string
	Endpoint    string
	Payload     payload.Value
	Headers     map[string]string
	ArrivalTime time.Time
}

// Response is returned to the transport.
type Response struct {
	StatusCode int
	Body       payload.Value
	Proof      *proof.Proof
	Receipt    *receipts.Receipt
	Denial     *reason.Denial
}

// Health reports the heartbeat's posture. Satisfied by *heartbeat.Monitor.
type Health interface {
	FailClosed() bool
}

// Handler is the registered closure for one action.
type Handler = gate.Closure

// Orchestrator owns the stage components and the handler table.
type Orchestrator struct {
	ingress  *firewall.Ingress
	egress   *firewall.Egress
	kernel   *decision.Kernel
	gate     *gate.Gate
	chain    *receipts.Chain
	health   Health
	handlers map[string]Handler
	log      *slog.Logger
}

// New wires the orchestrator. handlers maps action ids to closures; actions
// without a handler deny with ROUTE_NOT_FOUND.
func New(ingress *firewall.Ingress, egress *firewall.Egress, kernel *decision.Kernel, g *gate.Gate, chain *receipts.Chain, health Health, handlers map[string]Handler, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		ingress:  ingress,
		egress:   egress,
		kernel:   kernel,
		gate:     g,
		chain:    chain,
		health:   health,
		handlers: handlers,
		log:      log,
	}
}

// Handle runs one request through every stage.
func (o *Orchestrator) Handle(ctx context.Context, env Envelope) Response {
	requestID := uuid.NewString()
	requestHash, err := canon.Digest(map[string]any{
		"actor":    env.Actor,
		"action":   env.ActionID,
		"endpoint": env.Endpoint,
		"payload":  env.Payload,
	})
	if err != nil {
		requestHash = ""
	}
	pr := proof.New(requestID, requestHash)

	// Structural validation precedes everything; a request with no actor
	// or action cannot be attributed, rate-limited, or consented.
	if env.Actor == "" || env.ActionID == "" {
		return o.deny(ctx, env, pr, requestID, "pipeline", reason.MalformedRequest, "envelope missing actor or action_id", nil)
	}

	// Fail-closed posture short-circuits ahead of all evaluation.
	if o.health != nil && o.health.FailClosed() {
		return o.deny(ctx, env, pr, requestID, "pipeline", reason.HeartbeatFailClosed, "process in fail-closed posture", nil)
	}

	// Stage 1: ingress firewall.
	ing, err := o.ingress.Check(ctx, env.Actor, env.Endpoint, env.Payload, env.ArrivalTime)
	if err != nil {
		pr.Record(proof.StageIngress, env.Payload, nil, string(reason.UncertainFailClosed))
		return o.deny(ctx, env, pr, requestID, proof.StageIngress, reason.UncertainFailClosed, "ingress failure: "+err.Error(), nil)
	}
	if !ing.Allowed {
		pr.Record(proof.StageIngress, env.Payload, nil, string(ing.Reason))
		notes := map[string]any{"violations": toAny(ing.Violations), "quarantined": ing.Quarantined}
		return o.deny(ctx, env, pr, requestID, proof.StageIngress, ing.Reason, violationSummary(ing.Violations), notes)
	}
	pr.Record(proof.StageIngress, env.Payload, ing.Sanitized, string(decision.Allow))

	// Stage 2: decision kernel.
	dec := o.kernel.CheckAction(env.Actor, env.ActionID, ing.Sanitized, env.Endpoint, "", requestHash)
	pr.Record(proof.StageDecision, ing.Sanitized, nil, string(dec.Verdict))
	if dec.Verdict != decision.Allow {
		return o.deny(ctx, env, pr, requestID, proof.StageDecision, dec.Reason, dec.Message, nil)
	}

	// Stage 3: handler under the side-effect gate.
	handler, ok := o.handlers[env.ActionID]
	if !ok {
		return o.deny(ctx, env, pr, requestID, proof.StageHandler, reason.RouteNotFound, "no handler for "+env.ActionID, nil)
	}
	gres := o.gate.Execute(ctx, gate.Request{
		Actor:          env.Actor,
		ActionID:       env.ActionID,
		Endpoint:       env.Endpoint,
		JobID:          requestID,
		Payload:        ing.Sanitized,
		Token:          dec.Token,
		IdempotencyKey: env.Headers["idempotency-key"],
	}, handler)
	pr.Record(proof.StageHandler, ing.Sanitized, gres.Output, string(gres.Verdict))
	if !gres.Success {
		// The gate already appended its denial receipt; finalize the proof
		// and surface the gate's reason without a second receipt for the
		// same verdict.
		_ = pr.Finalize(string(decision.Deny))
		o.log.Warn("request denied", "request_id", requestID, "stage", proof.StageHandler, "reason_code", string(gres.Reason))
		return Response{
			StatusCode: statusFor(gres.Reason),
			Proof:      pr,
			Receipt:    gres.Receipt,
			Denial:     reason.Deny(gres.Reason, gres.Message),
		}
	}

	// Stage 4: output-content policy.
	op := firewall.CheckOutputPolicy(gres.Output)
	pr.Record(proof.StageOutputPolicy, gres.Output, nil, verdictString(op.Allowed))
	if !op.Allowed {
		notes := map[string]any{"violations": toAny(op.Violations)}
		return o.deny(ctx, env, pr, requestID, proof.StageOutputPolicy, op.Reason, violationSummary(op.Violations), notes)
	}

	// Stage 5: egress firewall.
	eg := o.egress.Check(env.Actor, env.Endpoint, gres.Output)
	pr.Record(proof.StageEgress, gres.Output, eg.Sanitized, verdictString(eg.Allowed))
	if !eg.Allowed {
		notes := map[string]any{"violations": toAny(eg.Violations), "leaks": toAny(eg.Leaks)}
		return o.deny(ctx, env, pr, requestID, proof.StageEgress, eg.Reason, violationSummary(eg.Violations), notes)
	}

	// Terminal allow receipt carrying the full proof transcript.
	_ = pr.Finalize(string(decision.Allow))
	rec, err := o.appendReceipt(ctx, env, requestID, "pipeline", receipts.DecisionAllow, reason.None, pr.Notes())
	if err != nil {
		o.log.Error("allow receipt append failed", "request_id", requestID, "error", err)
		return Response{
			StatusCode: http.StatusInternalServerError,
			Proof:      pr,
			Denial:     reason.Deny(reason.UncertainFailClosed, "receipt append failed"),
		}
	}
	return Response{StatusCode: http.StatusOK, Body: eg.Sanitized, Proof: pr, Receipt: rec}
}

// deny finalizes the proof, appends a denial receipt, and shapes the error
// response. Every non-allow branch of Handle funnels through here.
func (o *Orchestrator) deny(ctx context.Context, env Envelope, pr *proof.Proof, requestID, stage string, code reason.Code, msg string, notes map[string]any) Response {
	_ = pr.Finalize(string(decision.Deny))
	if notes == nil {
		notes = map[string]any{}
	}
	notes["proof"] = pr.Notes()
	notes["detail"] = msg

	rec, err := o.appendReceipt(ctx, env, requestID, stage, receipts.DecisionDeny, code, notes)
	if err != nil {
		o.log.Error("denial receipt append failed", "request_id", requestID, "error", err)
		return Response{
			StatusCode: http.StatusInternalServerError,
			Proof:      pr,
			Denial:     reason.Deny(reason.UncertainFailClosed, "receipt append failed"),
		}
	}
	o.log.Warn("request denied", "request_id", requestID, "stage", stage, "reason_code", string(code))
	return Response{
		StatusCode: statusFor(code),
		Proof:      pr,
		Receipt:    rec,
		Denial:     reason.Deny(code, msg),
	}
}

func (o *Orchestrator) appendReceipt(ctx context.Context, env Envelope, requestID, stage string, d receipts.Decision, code reason.Code, notes map[string]any) (*receipts.Receipt, error) {
	digest := ""
	if env.Payload != nil {
		if dg, err := canon.Digest(env.Payload); err == nil {
			digest = dg
		}
	}
	r := &receipts.Receipt{
		JobID:         requestID,
		Stage:         stage,
		ActionID:      env.ActionID,
		Decision:      d,
		ReasonCode:    code,
		PayloadDigest: digest,
		Notes:         notes,
	}
	if artifact := o.kernel.Artifact(); artifact != nil {
		r.ArtifactID = artifact.ID()
		r.ArtifactVersion = artifact.Version
		r.PolicyID = artifact.ID() + "@" + artifact.Version
	}
	return o.chain.Append(ctx, r)
}

// statusFor maps reason codes onto transport status codes.
func statusFor(code reason.Code) int {
	switch code {
	case reason.CIFRateLimited, reason.JobConcurrencyLimit:
		return http.StatusTooManyRequests
	case reason.RequestTooLarge, reason.ResponseTooLarge:
		return http.StatusRequestEntityTooLarge
	case reason.MalformedRequest:
		return http.StatusBadRequest
	case reason.RouteNotFound, reason.UnregisteredAction:
		return http.StatusNotFound
	case reason.HeartbeatFailClosed, reason.TreatyUnavailable:
		return http.StatusServiceUnavailable
	case reason.Timeout:
		return http.StatusGatewayTimeout
	case reason.UncertainFailClosed:
		return http.StatusInternalServerError
	default:
		return http.StatusForbidden
	}
}

func verdictString(allowed bool) string {
	if allowed {
		return string(decision.Allow)
	}
	return string(decision.Deny)
}

func violationSummary(violations []string) string {
	if len(violations) == 0 {
		return "denied"
	}
	return violations[0]
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
