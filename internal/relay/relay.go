// Package relay post-processes terminal task outcomes before they become
// visible to the requester. The redaction policy engine is an optional
// product module; the broker is composed with the no-op relay when it is not
// installed and never blocks on its absence.
package relay

import (
	"errors"

	"nodeflow/task-broker/pkg/types"
)

// ErrRevealDenied indicates a requester asked for unredacted output without
// holding the reveal permission. The raw result is never released on this
// path.
var ErrRevealDenied = errors.New("relay: requester may not view unredacted data")

// Relay transforms a terminal outcome according to the resolved policy. The
// input outcome is never mutated; implementations return a new value.
type Relay interface {
	Deliver(outcome *types.TaskOutcome, policy types.ResultPolicy) (*types.TaskOutcome, error)
}

// NoopRelay releases every outcome unchanged. It is the default when no
// policy module is wired in.
type NoopRelay struct{}

// NewNoopRelay creates the pass-through relay.
func NewNoopRelay() *NoopRelay {
	return &NoopRelay{}
}

// Deliver returns the outcome as-is.
func (r *NoopRelay) Deliver(outcome *types.TaskOutcome, _ types.ResultPolicy) (*types.TaskOutcome, error) {
	return outcome, nil
}

// RedactingRelay applies the platform redaction policy. Resolution order:
// per-request override, then the workflow-declared default, then the platform
// default of no redaction.
type RedactingRelay struct{}

// NewRedactingRelay creates the policy-applying relay.
func NewRedactingRelay() *RedactingRelay {
	return &RedactingRelay{}
}

// Deliver resolves the effective policy and returns a transformed copy of the
// outcome. An override asking for raw output fails with ErrRevealDenied when
// the requester lacks the reveal permission; the result is never silently
// downgraded to redacted output instead.
func (r *RedactingRelay) Deliver(outcome *types.TaskOutcome, policy types.ResultPolicy) (*types.TaskOutcome, error) {
	if policy.RevealOverride != nil {
		if *policy.RevealOverride {
			if !policy.CanRevealRaw {
				return nil, ErrRevealDenied
			}
			out := outcome.Clone()
			out.Redaction = &types.RedactionInfo{Redacted: false}
			return out, nil
		}
		return redact(outcome, "requested by caller"), nil
	}

	if policy.WorkflowDefault == types.RedactModeAll {
		return redact(outcome, "workflow policy"), nil
	}

	return outcome, nil
}

// redact returns a copy of the outcome with node output data replaced by the
// redaction marker.
func redact(outcome *types.TaskOutcome, reason string) *types.TaskOutcome {
	out := outcome.Clone()
	if out.Output != nil {
		out.Output = []byte(`"` + types.RedactedMarker + `"`)
	}
	out.Redaction = &types.RedactionInfo{Redacted: true, Reason: reason}
	return out
}
