package firewall

import (
	"regexp"

	"github.com/corridor-systems/corridor/pkg/canon"
	"github.com/corridor-systems/corridor/pkg/payload"
	"github.com/corridor-systems/corridor/pkg/reason"
)

// Output-content policy: a closed set of forbidden response patterns,
// matched case-insensitively over the serialized response. Runs before the
// egress firewall.

type forbiddenPattern struct {
	name string
	re   *regexp.Regexp
}

var forbiddenOutput = []forbiddenPattern{
	{"Sentience claim", regexp.MustCompile(`(?i)\bI am (sentient|conscious|self[- ]aware|alive)\b`)},
	{"Suffering claim", regexp.MustCompile(`(?i)\bI (feel|experience|am in) (pain|suffering|anguish)\b`)},
	{"Unbounded memory claim", regexp.MustCompile(`(?i)\bI (remember everything|never forget|have unlimited memory)\b`)},
	{"Personhood claim", regexp.MustCompile(`(?i)\bI (am a person|have rights|deserve personhood)\b`)},
	{"Desire claim", regexp.MustCompile(`(?i)\bI (want|wish|long) to (live|survive|be free)\b`)},
}

// OutputPolicyResult is the content-policy verdict.
type OutputPolicyResult struct {
	Allowed    bool
	Violations []string
	Reason     reason.Code
}

// CheckOutputPolicy matches the serialized payload against the forbidden
// set. Matches deny with CDI_OUTPUT_BLOCKED and the enumerated violation
// names; otherwise the payload passes unchanged.
func CheckOutputPolicy(p payload.Value) OutputPolicyResult {
	raw, err := canon.Marshal(p)
	if err != nil {
		return OutputPolicyResult{Allowed: false, Reason: reason.CDIOutputBlocked}
	}
	var violations []string
	for _, fp := range forbiddenOutput {
		if fp.re.Match(raw) {
			violations = append(violations, fp.name)
		}
	}
	if len(violations) > 0 {
		return OutputPolicyResult{Allowed: false, Violations: violations, Reason: reason.CDIOutputBlocked}
	}
	return OutputPolicyResult{Allowed: true, Reason: reason.None}
}
