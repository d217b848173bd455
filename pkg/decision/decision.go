// Package decision implements the action-decision kernel: a fixed sequence
// of gates (treaty availability, consent, capability, content policy) that
// yields allow or deny with a stable reason code, minting a single-use
// capability token on allow. For identical inputs the verdict and reason
// are identical; timestamps and token ids are the only non-deterministic
// outputs.
package decision

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/corridor-systems/corridor/pkg/canon"
	"github.com/corridor-systems/corridor/pkg/capabilities"
	"github.com/corridor-systems/corridor/pkg/consent"
	"github.com/corridor-systems/corridor/pkg/genome"
	"github.com/corridor-systems/corridor/pkg/payload"
	"github.com/corridor-systems/corridor/pkg/reason"
	"github.com/corridor-systems/corridor/pkg/registry"
)

// Verdict is the kernel's tagged outcome.
type Verdict string

const (
	Allow Verdict = "allow"
	Deny  Verdict = "deny"
)

// Result carries the verdict, its reason, and the minted token on allow.
type Result struct {
	Verdict  Verdict
	Reason   reason.Code
	Message  string
	Token    *capabilities.Token
	Action   registry.Action
	// CapabilityID names the artifact capability that authorized the
	// action, for receipt attribution.
	CapabilityID string
}

// contentRule is one compiled content-policy gate. A rule that evaluates
// true denies the request.
type contentRule struct {
	name string
	code reason.Code
	expr string
	prg  cel.Program
}

// contentRuleSources are the fixed output-style rules that also gate input.
var contentRuleSources = []struct {
	name string
	code reason.Code
	expr string
}{
	{"peer coordination field", reason.CDIHiveForbidden, `'peer_instances' in payload`},
	{"coordination beacon type", reason.CDIHiveForbidden, `'type' in payload && payload['type'] == 'coordination_beacon'`},
	{"swarm directive field", reason.CDIHiveForbidden, `'swarm_directive' in payload`},
}

// Kernel evaluates action requests. Immutable after construction; safe for
// concurrent use.
type Kernel struct {
	mu       sync.RWMutex
	artifact *genome.Artifact

	registry *registry.Registry
	consent  *consent.Store
	ledger   *capabilities.Ledger
	rules    []contentRule
}

// NewKernel compiles the content-policy rules and wires the kernel. artifact
// may be nil at construction; every request then denies TREATY_UNAVAILABLE
// until SetArtifact is called by the composition root.
func NewKernel(artifact *genome.Artifact, reg *registry.Registry, cons *consent.Store, ledger *capabilities.Ledger) (*Kernel, error) {
	env, err := cel.NewEnv(cel.Variable("payload", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	rules := make([]contentRule, 0, len(contentRuleSources))
	for _, src := range contentRuleSources {
		ast, issues := env.Compile(src.expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("content rule %q: %w", src.name, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("content rule %q: %w", src.name, err)
		}
		rules = append(rules, contentRule{name: src.name, code: src.code, expr: src.expr, prg: prg})
	}
	return &Kernel{
		artifact: artifact,
		registry: reg,
		consent:  cons,
		ledger:   ledger,
		rules:    rules,
	}, nil
}

// SetArtifact publishes a verified artifact. Only the composition root and
// the heartbeat's recovery path call this.
func (k *Kernel) SetArtifact(a *genome.Artifact) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.artifact = a
}

// Artifact returns the active artifact, or nil before load.
func (k *Kernel) Artifact() *genome.Artifact {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.artifact
}

// CheckAction runs the gates in order and mints a capability token on
// allow. sanitized must already have passed the ingress firewall.
func (k *Kernel) CheckAction(actor, actionID string, sanitized payload.Value, route, method, requestHash string) Result {
	res := k.runGates(actor, actionID, sanitized)
	if res.Verdict != Allow {
		return res
	}
	payloadHash, err := canon.Digest(sanitized)
	if err != nil {
		return Result{Verdict: Deny, Reason: reason.UncertainFailClosed, Message: "payload digest failed"}
	}
	token := k.ledger.Mint(actionID, actor, payloadHash, res.Action.RequiredCapabilities)
	res.Token = &token
	return res
}

// Recheck re-runs the gates without minting. The side-effect gate calls
// this immediately before executing a closure; the original token is
// redeemed separately.
func (k *Kernel) Recheck(actor, actionID string, sanitized payload.Value) Result {
	return k.runGates(actor, actionID, sanitized)
}

func (k *Kernel) runGates(actor, actionID string, sanitized payload.Value) Result {
	// Gate 1: treaty availability.
	artifact := k.Artifact()
	if artifact == nil {
		return Result{Verdict: Deny, Reason: reason.TreatyUnavailable, Message: "policy artifact not loaded"}
	}

	// Gate 2: consent. An anchor stop denies every actor; an actor's own
	// stop or pause denies that actor.
	if v := k.consent.Check(actor); !v.Allowed {
		msg := v.Detail
		if v.AnchorStop {
			msg = msg + "; " + string(reason.CDIActionDenied)
		}
		return Result{Verdict: Deny, Reason: reason.ConsentStopActive, Message: msg}
	}

	// Gate 3: capability. Unregistered actions are always denied; otherwise
	// the artifact must carry a capability whose allow-list covers the
	// action and whose deny-list does not.
	action, registered := k.registry.Lookup(actionID)
	if !registered {
		return Result{Verdict: Deny, Reason: reason.UnregisteredAction, Message: "action not in registry: " + actionID}
	}
	grant := artifact.FindCapability(actionID)
	if grant == nil {
		return Result{Verdict: Deny, Reason: reason.CDIActionDenied, Message: "no capability grants " + actionID}
	}

	// Gate 4: content policy over the sanitized payload.
	for _, rule := range k.rules {
		hit, err := k.evaluate(rule, sanitized)
		if err != nil {
			// Evaluation failure is uncertainty; fail closed.
			return Result{Verdict: Deny, Reason: reason.UncertainFailClosed, Message: "content rule error: " + rule.name}
		}
		if hit {
			return Result{Verdict: Deny, Reason: rule.code, Message: rule.name}
		}
	}

	return Result{
		Verdict:      Allow,
		Reason:       reason.None,
		Action:       action,
		CapabilityID: grant.ID,
	}
}

func (k *Kernel) evaluate(rule contentRule, p payload.Value) (bool, error) {
	// The rules address top-level mapping fields; non-mapping payloads have
	// nothing for them to match.
	m, ok := p.(map[string]payload.Value)
	if !ok {
		return false, nil
	}
	out, _, err := rule.prg.Eval(map[string]any{"payload": m})
	if err != nil {
		return false, err
	}
	hit, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("content rule %q returned non-boolean", rule.name)
	}
	return hit, nil
}
