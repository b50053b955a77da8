// Package orchestrator is the thin coordination spine of spec §4.9: it
// turns an intent into a signed ActionRequest, consults the Policy
// Manager, dispatches over IPC, records the resulting approval pattern,
// and issues a Witness attestation for premium autonomous actions.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/semblance-ai/semblance/common/ipc"
	"github.com/semblance-ai/semblance/internal/action"
	"github.com/semblance-ai/semblance/internal/approvals"
	"github.com/semblance-ai/semblance/internal/attestation"
	"github.com/semblance-ai/semblance/internal/inheritance"
	"github.com/semblance-ai/semblance/internal/policy"
	"github.com/semblance-ai/semblance/internal/semerr"
)

// Approver is consulted when the Policy Manager returns
// DecisionRequireApproval. It blocks until the user (or an auto-execute
// escalation surfaced elsewhere) has decided, returning true for approved.
type Approver interface {
	RequestApproval(ctx context.Context, actionType action.Type, payload interface{}) (approved bool, err error)
}

// Dispatcher sends a signed request to Gateway and returns the correlated
// response. Satisfied by *common/ipc.Client; an interface here so
// Orchestrator tests can substitute a recording stub.
type Dispatcher interface {
	Call(ctx context.Context, req ipc.Request) (ipc.Response, error)
}

// IsPremium reports whether the current user is entitled to Witness
// attestations for autonomous actions. Exported as a func type so callers
// can wire static config or a live subscription check.
type IsPremium func() bool

// Orchestrator wires the Policy Manager, Approval tracker, IPC dispatcher,
// and Attestation generator together in one composition-over-inheritance
// struct, scoped down to exactly the dependencies spec §4.9 names.
type Orchestrator struct {
	signingKey []byte
	policy     *policy.Engine
	approvals  *approvals.Tracker
	dispatcher Dispatcher
	witnesses  *attestation.Generator
	deviceID   string
	isPremium  IsPremium
	tierOf     func(domain string) policy.Tier
}

// New returns an Orchestrator. witnesses and isPremium may be nil/omitted
// (via a func always returning false) when attestation is not configured.
func New(signingKey []byte, eng *policy.Engine, tracker *approvals.Tracker, dispatcher Dispatcher, witnesses *attestation.Generator, deviceID string, isPremium IsPremium, tierOf func(domain string) policy.Tier) *Orchestrator {
	if isPremium == nil {
		isPremium = func() bool { return false }
	}
	return &Orchestrator{
		signingKey: signingKey,
		policy:     eng,
		approvals:  tracker,
		dispatcher: dispatcher,
		witnesses:  witnesses,
		deviceID:   deviceID,
		isPremium:  isPremium,
		tierOf:     tierOf,
	}
}

// Outcome is the result of HandleIntent.
type Outcome struct {
	Response  ipc.Response
	Decision  policy.Decision
	WitnessID string
	AuditRef  string
}

// HandleIntent turns an LLM tool call (actionType + payload) into an
// ActionRequest, asks the Policy Manager, records the resulting approval
// pattern after the decision is finalized, dispatches over IPC on
// auto-execute or user approval, and — for premium autonomous actions —
// issues a Witness attestation.
func (o *Orchestrator) HandleIntent(ctx context.Context, actionType action.Type, payload interface{}, approver Approver) (Outcome, error) {
	if inheritance.GuardEnabled() {
		return Outcome{}, semerr.New(semerr.CodeDeniedByInheritance, "a non-terminal inheritance activation is in progress; only the inheritance executor may dispatch actions")
	}

	if !action.Valid(actionType) {
		return Outcome{}, fmt.Errorf("orchestrator: %q is not a recognised action type", actionType)
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return Outcome{}, fmt.Errorf("orchestrator: marshal payload: %w", err)
	}
	subType := approvals.DeriveSubType(string(actionType), payloadBytes)

	result, err := o.policy.Evaluate(string(actionType), subType)
	if err != nil {
		return Outcome{}, fmt.Errorf("orchestrator: policy evaluation: %w", err)
	}

	switch result.Decision {
	case policy.DecisionDeny:
		return Outcome{Decision: result.Decision}, fmt.Errorf("orchestrator: action denied by policy: %s", result.Reason)

	case policy.DecisionRequireApproval:
		if approver == nil {
			return Outcome{Decision: result.Decision}, fmt.Errorf("orchestrator: approval required but no approver configured")
		}
		approved, err := approver.RequestApproval(ctx, actionType, payload)
		if err != nil {
			return Outcome{Decision: result.Decision}, fmt.Errorf("orchestrator: request approval: %w", err)
		}
		if o.approvals != nil {
			if approved {
				_ = o.approvals.RecordApproval(string(actionType), subType)
			} else {
				_ = o.approvals.RecordRejection(string(actionType), subType)
			}
		}
		if !approved {
			return Outcome{Decision: result.Decision}, fmt.Errorf("orchestrator: action rejected by user")
		}
	}

	req, err := action.Build(o.signingKey, actionType, payload)
	if err != nil {
		return Outcome{Decision: result.Decision}, fmt.Errorf("orchestrator: build request: %w", err)
	}

	resp, err := o.dispatcher.Call(ctx, req)
	if err != nil {
		return Outcome{Decision: result.Decision}, fmt.Errorf("orchestrator: dispatch: %w", err)
	}

	outcome := Outcome{Response: resp, Decision: result.Decision, AuditRef: resp.AuditRef}

	if resp.Status == ipc.StatusSuccess && result.Decision == policy.DecisionAutoApprove && o.witnesses != nil && o.isPremium() {
		tier := ""
		if o.tierOf != nil {
			tier = string(o.tierOf(actionType.Domain()))
		}
		summary := attestation.ActionSummary(string(actionType), actionType.Domain())
		w, err := o.witnesses.Issue(resp.AuditRef, summary, tier, o.deviceID)
		if err == nil {
			outcome.WitnessID = w.ID
		}
	}

	return outcome, nil
}

// ExecuteInheritanceAction dispatches a single inheritance action through
// the same ActionRequest -> IPC -> Gateway path HandleIntent uses, but
// skips the Policy Manager and Approval tracker entirely: inheritance
// actions are gated by deletion consensus and step confirmation
// (internal/inheritance), not by autonomy tier. It is the one dispatch
// path that runs regardless of whether the inheritance guard is enabled —
// satisfied as inheritance.Dispatcher, it IS the inheritance executor as
// far as HandleIntent's guard check is concerned.
func (o *Orchestrator) ExecuteInheritanceAction(ctx context.Context, actionType action.Type, payload json.RawMessage) (string, error) {
	if !action.Valid(actionType) {
		return "", fmt.Errorf("orchestrator: %q is not a recognised action type", actionType)
	}

	req, err := action.Build(o.signingKey, actionType, payload)
	if err != nil {
		return "", fmt.Errorf("orchestrator: build inheritance request: %w", err)
	}

	resp, err := o.dispatcher.Call(ctx, req)
	if err != nil {
		return "", fmt.Errorf("orchestrator: dispatch inheritance action: %w", err)
	}
	if resp.Status != ipc.StatusSuccess {
		return resp.AuditRef, fmt.Errorf("orchestrator: inheritance action %s: %s", actionType, resp.Status)
	}

	if o.witnesses != nil && o.isPremium() {
		tier := ""
		if o.tierOf != nil {
			tier = string(o.tierOf(actionType.Domain()))
		}
		summary := attestation.ActionSummary(string(actionType), actionType.Domain())
		_, _ = o.witnesses.Issue(resp.AuditRef, summary, tier, o.deviceID)
	}

	return resp.AuditRef, nil
}
