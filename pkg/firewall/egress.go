package firewall

import (
	"github.com/corridor-systems/corridor/pkg/canon"
	"github.com/corridor-systems/corridor/pkg/payload"
	"github.com/corridor-systems/corridor/pkg/reason"
)

// EgressConfig bounds the output firewall.
type EgressConfig struct {
	MaxResponseSize int
	// Strict denies the response outright on any secret or PII detection
	// instead of redacting and allowing. Enabled in production posture.
	Strict bool
}

// EgressResult is the output firewall verdict.
type EgressResult struct {
	Allowed    bool
	Sanitized  payload.Value
	Violations []string
	Leaks      []string
	Reason     reason.Code
}

// Egress runs the ordered output checks: size bound, secret scan, PII scan,
// redaction.
type Egress struct {
	cfg EgressConfig
}

// NewEgress builds the output firewall.
func NewEgress(cfg EgressConfig) *Egress {
	return &Egress{cfg: cfg}
}

// Check evaluates one response payload.
func (f *Egress) Check(actor, endpoint string, p payload.Value) EgressResult {
	// 1. Size bound over the canonical byte length.
	raw, err := canon.Marshal(p)
	if err != nil || len(raw) > f.cfg.MaxResponseSize {
		return EgressResult{
			Allowed:    false,
			Violations: []string{ViolationResponseTooLarge},
			Reason:     reason.ResponseTooLarge,
		}
	}

	// 2. Scan string leaves for secret and PII shapes.
	secrets, pii := false, false
	payload.Walk(p, func(path string, leaf payload.Value) {
		s, ok := leaf.(string)
		if !ok {
			return
		}
		if !secrets {
			for _, re := range secretPatterns {
				if re.MatchString(s) {
					secrets = true
					break
				}
			}
		}
		if !pii {
			for _, re := range piiPatterns {
				if re.MatchString(s) {
					pii = true
					break
				}
			}
		}
	})

	var violations, leaks []string
	if secrets {
		violations = append(violations, ViolationSecretLeak)
		leaks = append(leaks, LeakSecrets)
	}
	if pii {
		leaks = append(leaks, LeakPII)
	}
	if !secrets && !pii {
		return EgressResult{Allowed: true, Sanitized: p, Reason: reason.None}
	}

	// 3. Substring-redact detections in a fresh tree; structure is retained.
	sanitized := payload.MapStrings(p, redactLeaf)
	if f.cfg.Strict {
		return EgressResult{
			Allowed:    false,
			Sanitized:  sanitized,
			Violations: violations,
			Leaks:      leaks,
			Reason:     reason.CIFLeakDetected,
		}
	}
	return EgressResult{
		Allowed:    true,
		Sanitized:  sanitized,
		Violations: violations,
		Leaks:      leaks,
		Reason:     reason.None,
	}
}

func redactLeaf(s string) string {
	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, redactedMarker)
	}
	for _, re := range piiPatterns {
		s = re.ReplaceAllString(s, redactedMarker)
	}
	return s
}
