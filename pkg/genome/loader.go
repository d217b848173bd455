package genome

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/corridor-systems/corridor/pkg/canon"
	"github.com/corridor-systems/corridor/pkg/reason"
)

// Mode selects how strictly the loader verifies the artifact.
type Mode string

const (
	// ModeDevelopment skips build-manifest verification.
	ModeDevelopment Mode = "development"
	// ModeProduction verifies every manifest entry against the on-disk hash.
	ModeProduction Mode = "production"
)

// artifactSchema validates the structural shape before any signature work.
const artifactSchema = `{
  "type": "object",
  "required": ["schema_version", "name", "version", "signers", "signature_threshold", "capabilities", "signatures"],
  "properties": {
    "schema_version": {"type": "string"},
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "signers": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["key_id", "public_key"],
        "properties": {
          "key_id": {"type": "string", "minLength": 1},
          "public_key": {"type": "string", "minLength": 1}
        }
      }
    },
    "signature_threshold": {"type": "integer", "minimum": 1},
    "invariants": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "severity", "claim"]
      }
    },
    "capabilities": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "risk_class", "allow"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "risk_class": {"type": "string"},
          "allow": {"type": "array", "items": {"type": "string"}},
          "deny": {"type": "array", "items": {"type": "string"}}
        }
      }
    },
    "build_manifest": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "signatures": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["key_id", "signature"]
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("artifact.schema.json", artifactSchema)

// Load reads, validates, and verifies the artifact at path. repoRoot is the
// base directory for build-manifest paths. Any defect denies with
// GENOME_INVALID; there are no retries.
func Load(path, repoRoot string, mode Mode) (*Artifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, reason.Deny(reason.GenomeInvalid, fmt.Sprintf("artifact unreadable: %v", err))
	}
	return Parse(raw, repoRoot, mode)
}

// Parse verifies an in-memory artifact document. Split from Load so the
// heartbeat can re-verify the loaded bytes without touching disk.
func Parse(raw []byte, repoRoot string, mode Mode) (*Artifact, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, reason.Deny(reason.GenomeInvalid, fmt.Sprintf("artifact not valid JSON: %v", err))
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, reason.Deny(reason.GenomeInvalid, fmt.Sprintf("artifact schema violation: %v", err))
	}

	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, reason.Deny(reason.GenomeInvalid, fmt.Sprintf("artifact decode failed: %v", err))
	}
	if a.SchemaVersion != SchemaVersion {
		return nil, reason.Deny(reason.GenomeInvalid, fmt.Sprintf("unknown schema version %q", a.SchemaVersion))
	}
	if a.SignatureThreshold > len(a.Signers) {
		return nil, reason.Deny(reason.GenomeInvalid, "signature threshold exceeds signer count")
	}

	if err := verifyQuorum(&a); err != nil {
		return nil, err
	}
	if mode == ModeProduction {
		if err := verifyManifest(&a, repoRoot); err != nil {
			return nil, err
		}
	}

	a.LoadedAt = time.Now().UTC()
	return &a, nil
}

// verifyQuorum checks that at least signature_threshold distinct authorized
// signers cover the canonical serialization. A signature from a key outside
// the signer set is itself a defect.
func verifyQuorum(a *Artifact) error {
	body, err := canon.Marshal(a.signingBody())
	if err != nil {
		return reason.Deny(reason.GenomeInvalid, fmt.Sprintf("canonicalization failed: %v", err))
	}

	keys := make(map[string]string, len(a.Signers))
	for _, s := range a.Signers {
		keys[s.KeyID] = s.PublicKey
	}

	valid := make(map[string]bool)
	for _, sig := range a.Signatures {
		pub, authorized := keys[sig.KeyID]
		if !authorized {
			return reason.Deny(reason.GenomeInvalid, fmt.Sprintf("signature from unauthorized key %q", sig.KeyID))
		}
		ok, err := canon.Verify(pub, sig.Signature, body)
		if err != nil {
			return reason.Deny(reason.GenomeInvalid, fmt.Sprintf("signature check failed for key %q: %v", sig.KeyID, err))
		}
		if !ok {
			return reason.Deny(reason.GenomeInvalid, fmt.Sprintf("invalid signature from key %q", sig.KeyID))
		}
		valid[sig.KeyID] = true
	}
	if len(valid) < a.SignatureThreshold {
		return reason.Deny(reason.GenomeInvalid,
			fmt.Sprintf("quorum not met: %d of %d required signatures", len(valid), a.SignatureThreshold))
	}
	return nil
}

// verifyManifest hashes every file in the build manifest and compares.
func verifyManifest(a *Artifact, repoRoot string) error {
	for p, want := range a.BuildManifest {
		full := filepath.Join(repoRoot, filepath.FromSlash(p))
		raw, err := os.ReadFile(full)
		if err != nil {
			return reason.Deny(reason.GenomeInvalid, fmt.Sprintf("manifest file %q missing: %v", p, err))
		}
		h := sha256.Sum256(raw)
		got := hex.EncodeToString(h[:])
		if !strings.EqualFold(got, strings.TrimPrefix(want, "sha256:")) {
			return reason.Deny(reason.GenomeInvalid, fmt.Sprintf("manifest mismatch for %q", p))
		}
	}
	return nil
}
