package inheritance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/semblance-ai/semblance/internal/action"
)

// Dispatcher runs one inheritance action through Core's normal dispatch
// path (ActionRequest -> IPC -> Gateway), bypassing the policy/approval
// gate the interactive HandleIntent path enforces — inheritance actions
// are instead gated by deletion consensus and step confirmation before
// they ever reach here. Satisfied by
// *core/orchestrator.Orchestrator.ExecuteInheritanceAction.
type Dispatcher interface {
	ExecuteInheritanceAction(ctx context.Context, actionType action.Type, payload json.RawMessage) (auditRef string, err error)
}

// Executor is the one legitimate caller while the process-wide
// inheritance guard is enabled (spec §5): it registers parties and plans,
// drives Activations through the state machine, and sweeps pending
// actions to completion.
type Executor struct {
	Store      *Store
	Dispatcher Dispatcher
	Quorum     Quorum
}

// NewExecutor wires a Store and Dispatcher into an Executor.
func NewExecutor(store *Store, dispatcher Dispatcher, quorum Quorum) *Executor {
	return &Executor{Store: store, Dispatcher: dispatcher, Quorum: quorum}
}

// RegisterParty persists a trusted party and the ordered action plan that
// runs once they activate.
func (e *Executor) RegisterParty(p TrustedParty, actions []InheritanceAction, requiresStepConfirmation bool) error {
	if err := e.Store.RegisterParty(p); err != nil {
		return err
	}
	return e.Store.SavePlan(p.ID, actions, requiresStepConfirmation)
}

// Activate opens partyID's encrypted package with passphrase and starts a
// new Activation, rejecting the attempt if that party already has one
// non-terminal (spec §3's exclusive-per-party invariant).
func (e *Executor) Activate(partyID string, passphrase []byte, pkg EncryptedActivationPackage, timeLockHours int) (Activation, error) {
	party, ok, err := e.Store.GetParty(partyID)
	if err != nil {
		return Activation{}, err
	}
	if !ok {
		return Activation{}, fmt.Errorf("inheritance: unknown party %q", partyID)
	}

	if existing, ok, err := e.Store.NonTerminalForParty(partyID); err != nil {
		return Activation{}, err
	} else if ok {
		return Activation{}, fmt.Errorf("inheritance: party %q already has a non-terminal activation %q", partyID, existing.ID)
	}

	actions, requiresStepConfirmation, err := e.Store.GetPlan(partyID)
	if err != nil {
		return Activation{}, err
	}

	act, err := Activate(party, passphrase, pkg, actions, requiresStepConfirmation, timeLockHours, time.Now())
	if err != nil {
		return Activation{}, err
	}
	if err := e.Store.SaveActivation(act); err != nil {
		return Activation{}, err
	}
	return act, nil
}

// Cancel cancels activationID, permitted only while it is still
// time-locked.
func (e *Executor) Cancel(activationID string) error {
	act, ok, err := e.Store.GetActivation(activationID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("inheritance: unknown activation %q", activationID)
	}
	if err := act.Cancel(); err != nil {
		return err
	}
	return e.Store.SaveActivation(act)
}

// Advance moves activationID past its time lock, into
// StatePausedForConfirmation or StateExecuting.
func (e *Executor) Advance(activationID string, now time.Time) error {
	act, ok, err := e.Store.GetActivation(activationID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("inheritance: unknown activation %q", activationID)
	}
	if err := act.Advance(now); err != nil {
		return err
	}
	return e.Store.SaveActivation(act)
}

// ConfirmStep releases a paused activationID into StateExecuting.
func (e *Executor) ConfirmStep(activationID string) error {
	act, ok, err := e.Store.GetActivation(activationID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("inheritance: unknown activation %q", activationID)
	}
	if err := act.ConfirmStep(); err != nil {
		return err
	}
	return e.Store.SaveActivation(act)
}

// TestRun reports, without dispatching anything, whether partyID's current
// pending action would be eligible to run right now under the deletion
// consensus rule — the "test-run simulator honors the same rule without
// executing" requirement of spec §4.8.
func (e *Executor) TestRun(partyID string) (eligible bool, reason string, err error) {
	act, ok, err := e.Store.NonTerminalForParty(partyID)
	if err != nil {
		return false, "", err
	}
	if !ok {
		return false, "no_active_activation", nil
	}

	current, ok := act.CurrentAction()
	if !ok {
		return true, "", nil
	}
	if current.RequiresDeletionConsensus && !CheckDeletionConsensus(e.Store, e.Quorum) {
		return false, "blocked_by_consensus", nil
	}
	return true, "", nil
}

// RunPending advances every Activation currently in StateExecuting by one
// action: dispatching it if eligible, skipping it with blocked_by_consensus
// if not, and completing the Activation once its last action is
// accounted for. It is idempotent — safe to call from a poller — since an
// Activation with no pending action is simply left alone.
func (e *Executor) RunPending(ctx context.Context) error {
	activations, err := e.Store.ListExecuting()
	if err != nil {
		return fmt.Errorf("inheritance: executor: list executing: %w", err)
	}

	for _, act := range activations {
		if err := e.runOne(ctx, act); err != nil {
			slog.Error("inheritance: executor: run activation", "activationId", act.ID, "partyId", act.PartyID, "err", err)
		}
	}
	return nil
}

func (e *Executor) runOne(ctx context.Context, act Activation) error {
	current, ok := act.CurrentAction()
	if !ok {
		if err := act.Complete(); err != nil {
			return err
		}
		return e.Store.SaveActivation(act)
	}

	if current.RequiresDeletionConsensus && !CheckDeletionConsensus(e.Store, e.Quorum) {
		slog.Warn("inheritance: executor: action blocked by consensus",
			"activationId", act.ID, "actionId", current.ID, "reason", "blocked_by_consensus")
		if err := act.AdvanceAction(); err != nil {
			return err
		}
		return e.Store.SaveActivation(act)
	}

	if _, err := e.Dispatcher.ExecuteInheritanceAction(ctx, action.Type(current.ActionType), current.Payload); err != nil {
		return fmt.Errorf("dispatch action %s: %w", current.ID, err)
	}

	if err := act.AdvanceAction(); err != nil {
		return err
	}
	return e.Store.SaveActivation(act)
}
