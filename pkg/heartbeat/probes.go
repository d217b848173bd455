package heartbeat

import (
	"context"
	"errors"
	"time"

	"github.com/corridor-systems/corridor/pkg/decision"
	"github.com/corridor-systems/corridor/pkg/firewall"
	"github.com/corridor-systems/corridor/pkg/payload"
	"github.com/corridor-systems/corridor/pkg/reason"
	"github.com/corridor-systems/corridor/pkg/receipts"
	"github.com/corridor-systems/corridor/pkg/registry"
)

// Standard probe constructors. The composition root picks which to wire.

// PrerequisitesProbe checks that the decision kernel holds a verified
// artifact and that the action registry is non-empty.
func PrerequisitesProbe(kernel *decision.Kernel, reg *registry.Registry) Probe {
	return Probe{
		Name: "prerequisites",
		Check: func(context.Context) error {
			if kernel.Artifact() == nil {
				return errors.New("policy artifact not loaded")
			}
			if reg.Len() == 0 {
				return errors.New("action registry empty")
			}
			return nil
		},
	}
}

// ChainProbe re-validates the full receipt chain.
func ChainProbe(chain *receipts.Chain) Probe {
	return Probe{
		Name: "receipt_chain",
		Check: func(ctx context.Context) error {
			return chain.ValidateChain(ctx)
		},
	}
}

// CanaryDenyProbe sends a synthetic known-bad payload through the ingress
// firewall; it must quarantine. The canary actor carries a reserved id so
// it never collides with a real actor's rate bucket.
func CanaryDenyProbe(ingress *firewall.Ingress) Probe {
	bad := map[string]payload.Value{"job": "eval(canary)"}
	return Probe{
		Name: "canary_deny",
		Check: func(ctx context.Context) error {
			res, err := ingress.Check(ctx, "corridor:canary", "/canary", bad, time.Now())
			if err != nil {
				return err
			}
			if !res.Quarantined {
				return errors.New("known-bad payload was not quarantined")
			}
			return nil
		},
	}
}

// CanaryAllowProbe evaluates a synthetic known-safe request through the
// decision kernel; it must allow. The probe discards the minted token;
// unspent canary tokens age out of the ledger.
func CanaryAllowProbe(kernel *decision.Kernel) Probe {
	safe := map[string]payload.Value{"probe": "heartbeat"}
	return Probe{
		Name: "canary_allow",
		Check: func(context.Context) error {
			res := kernel.CheckAction("corridor:canary", registry.ActionMemoryQuery, safe, "/canary", "POST", "")
			// An active consent stop is policy, not a regression; the
			// canary only flags kernel defects.
			if res.Verdict != decision.Allow && res.Reason != reason.ConsentStopActive {
				return errors.New("known-safe request was denied: " + string(res.Reason))
			}
			return nil
		},
	}
}
