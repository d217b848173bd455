// Package canon provides the canonical serialization and digest primitives
// shared by the genome, capability, receipt, and proof packages. Canonical
// form is RFC 8785 (JCS); the digest is SHA-256 with a "sha256:" prefix so a
// hash is self-describing wherever it appears in a receipt or manifest.
package canon

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

const hashPrefix = "sha256:"

// Marshal serializes v into canonical JSON (RFC 8785): key-sorted, compact,
// no HTML escaping.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical encoding failed: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs transform failed: %w", err)
	}
	return canonical, nil
}

// Digest returns the prefixed SHA-256 of the canonical form of v.
func Digest(v any) (string, error) {
	raw, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return DigestBytes(raw), nil
}

// DigestBytes hashes raw bytes without canonicalizing them first. Callers
// that already hold canonical bytes (chain links, manifest file contents)
// use this directly.
func DigestBytes(raw []byte) string {
	h := sha256.Sum256(raw)
	return hashPrefix + hex.EncodeToString(h[:])
}

// ChainDigest computes H(prev ‖ canonical(v)), the link hash used by the
// receipt chain and the proof accumulator.
func ChainDigest(prev string, v any) (string, error) {
	raw, err := Marshal(v)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(raw)
	return hashPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// Signer signs canonical bytes with an Ed25519 private key.
type Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	KeyID string
}

// NewSigner generates a fresh Ed25519 keypair.
func NewSigner(keyID string) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Signer{priv: priv, pub: pub, KeyID: keyID}, nil
}

// NewSignerFromKey wraps an existing private key.
func NewSignerFromKey(priv ed25519.PrivateKey, keyID string) *Signer {
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey), KeyID: keyID}
}

// Sign returns the hex signature over data.
func (s *Signer) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.priv, data))
}

// SignCanonical canonicalizes v and signs the result.
func (s *Signer) SignCanonical(v any) (string, error) {
	raw, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return s.Sign(raw), nil
}

// PublicKey returns the hex-encoded public key.
func (s *Signer) PublicKey() string {
	return hex.EncodeToString(s.pub)
}

// PrivateKey exposes the underlying key for wire-form token signing.
func (s *Signer) PrivateKey() ed25519.PrivateKey {
	return s.priv
}

// Verify checks a hex signature over data against a hex public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}
