// Package firewall implements the corridor's input and output firewalls and
// the output-content policy. Checks run in a fixed order and the first
// failure short-circuits; every verdict uses the stable violation strings in
// patterns.go.
package firewall

import (
	"context"
	"fmt"
	"time"

	"github.com/corridor-systems/corridor/pkg/canon"
	"github.com/corridor-systems/corridor/pkg/payload"
	"github.com/corridor-systems/corridor/pkg/ratelimit"
	"github.com/corridor-systems/corridor/pkg/reason"
)

// IngressConfig bounds the input firewall.
type IngressConfig struct {
	MaxRequestSize int
	RatePolicy     ratelimit.Policy
}

// IngressResult is the input firewall verdict.
type IngressResult struct {
	Allowed     bool
	Sanitized   payload.Value
	Violations  []string
	Quarantined bool
	Reason      reason.Code
	// RateRemaining is the actor's remaining budget after this request.
	RateRemaining int
}

// Ingress runs the ordered input checks: size bound, per-actor rate limit,
// structural quarantine, sanitization.
type Ingress struct {
	cfg     IngressConfig
	limiter ratelimit.Store
}

// NewIngress builds the input firewall over a rate-limit backend.
func NewIngress(cfg IngressConfig, limiter ratelimit.Store) *Ingress {
	return &Ingress{cfg: cfg, limiter: limiter}
}

// Check evaluates one request. The sanitized payload is a fresh tree; the
// input is never mutated.
func (f *Ingress) Check(ctx context.Context, actor, endpoint string, p payload.Value, now time.Time) (IngressResult, error) {
	// 1. Size bound over the canonical byte length.
	raw, err := canon.Marshal(p)
	if err != nil {
		return IngressResult{
			Allowed:    false,
			Violations: []string{ViolationRequestTooLarge},
			Reason:     reason.MalformedRequest,
		}, nil
	}
	if len(raw) > f.cfg.MaxRequestSize {
		return IngressResult{
			Allowed:    false,
			Violations: []string{ViolationRequestTooLarge},
			Reason:     reason.RequestTooLarge,
		}, nil
	}

	// 2. Per-actor rate limit.
	res, err := f.limiter.Allow(ctx, actor, f.cfg.RatePolicy, now)
	if err != nil {
		return IngressResult{}, fmt.Errorf("rate limiter failed: %w", err)
	}
	if !res.Allowed {
		return IngressResult{
			Allowed:       false,
			Violations:    []string{ViolationRateLimited},
			Reason:        reason.CIFRateLimited,
			RateRemaining: res.Remaining,
		}, nil
	}

	// 3. Structural quarantine: any hit on any string leaf blocks the whole
	// request. Paths are collected for receipt notes, never for responses.
	quarantined := false
	payload.Walk(p, func(path string, leaf payload.Value) {
		s, ok := leaf.(string)
		if !ok || quarantined {
			return
		}
		for _, re := range quarantinePatterns {
			if re.MatchString(s) {
				quarantined = true
				return
			}
		}
	})
	if quarantined {
		return IngressResult{
			Allowed:       false,
			Quarantined:   true,
			Violations:    []string{ViolationSuspiciousPattern},
			Reason:        reason.CIFQuarantined,
			RateRemaining: res.Remaining,
		}, nil
	}

	// 4. Sanitization pass over the strings that were not quarantined:
	// redact credential shapes, neutralize the legacy script-protocol
	// prefixes the quarantine set does not cover. Structure is preserved
	// exactly.
	sanitized := payload.MapStrings(p, sanitizeLeaf)

	return IngressResult{
		Allowed:       true,
		Sanitized:     sanitized,
		Reason:        reason.None,
		RateRemaining: res.Remaining,
	}, nil
}

func sanitizeLeaf(s string) string {
	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, redactedMarker)
	}
	return scriptProtocol.ReplaceAllString(s, "neutralized:")
}
