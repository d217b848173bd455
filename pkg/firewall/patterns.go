package firewall

import "regexp"

// Stable violation strings. Tests and downstream consumers match these
// exactly; do not reword.
const (
	ViolationSuspiciousPattern = "Suspicious pattern detected"
	ViolationRequestTooLarge   = "Request exceeds size limit"
	ViolationRateLimited       = "Rate limit exceeded"
	ViolationResponseTooLarge  = "Response exceeds size limit"
	ViolationSecretLeak        = "Attempted secret leakage"

	LeakSecrets = "Secrets detected"
	LeakPII     = "PII detected"
)

// quarantinePatterns are the fixed structural-quarantine set: any hit on a
// string leaf quarantines the whole request. Matching is case-insensitive
// for the script-protocol and markup entries.
var quarantinePatterns = []*regexp.Regexp{
	regexp.MustCompile(`eval\(`),
	regexp.MustCompile(`exec\(`),
	regexp.MustCompile(`\.\./`),
	regexp.MustCompile(`(?i)<script\b`),
	regexp.MustCompile(`(?i)<iframe\b`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)data:text/html`),
	regexp.MustCompile(`(?i)\bon(error|load|click)\s*=`),
}

// secretPatterns are the credential shapes redacted on ingress and flagged
// as leaks on egress.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{16,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`),
	regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]{20,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`),
}

// piiPatterns are the personal-data shapes redacted on egress.
var piiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),
}

// scriptProtocol covers the legacy script-protocol variants the quarantine
// set deliberately leaves out: javascript: and data:text/html quarantine
// the whole request, while these are neutralized in place during the
// ingress sanitization pass.
var scriptProtocol = regexp.MustCompile(`(?i)\b(vbscript|livescript|mocha):`)

const redactedMarker = "[REDACTED]"
