package genome

import (
	"github.com/corridor-systems/corridor/pkg/canon"
)

// Sign appends signer's detached signature over the artifact's canonical
// body. Used by artifact tooling and by development-posture bootstrap; the
// verifier never calls it.
func Sign(a *Artifact, signer *canon.Signer) error {
	sig, err := signer.SignCanonical(a.signingBody())
	if err != nil {
		return err
	}
	a.Signatures = append(a.Signatures, Signature{KeyID: signer.KeyID, Signature: sig})
	return nil
}
