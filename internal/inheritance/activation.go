package inheritance

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Errors returned by Activation operations. These are inheritance-specific
// outcomes, distinct from the Gateway-wide internal/semerr taxonomy: they
// never cross the IPC boundary as a dispatch-level rejection, only as the
// result of a local state-machine operation.
var (
	ErrPassphraseInvalid       = errors.New("passphrase_invalid")
	ErrPackageInvalidOrCorrupt = errors.New("package_invalid_or_corrupt")
	ErrCancelTooLate           = errors.New("cancel_too_late")
	ErrTimeLockNotExpired      = errors.New("time_lock_not_expired")
	ErrBlockedByConsensus      = errors.New("blocked_by_consensus")
	ErrNoPendingAction         = errors.New("no_pending_action")
)

// Category classifies an InheritanceAction by the kind of effect it has,
// so the executor and its adapters can route on something more durable
// than the ActionType string.
type Category string

const (
	CategoryNotification  Category = "notification"
	CategoryAccountAction Category = "account-action"
	CategoryDataSharing   Category = "data-sharing"
	CategoryPreservation  Category = "preservation"
)

// TrustedParty is one party named in an inheritance plan, Core-owned and
// persisted by Store.
type TrustedParty struct {
	ID             string
	Name           string
	Email          string
	Relationship   string
	PassphraseHash [sha256.Size]byte
}

// InheritanceAction is one action a trusted party's plan will execute, in
// order, once its Activation reaches StateExecuting. SequenceOrder gives
// the total order among a party's actions; Label is the human-readable
// description shown on confirmation prompts and audit views.
type InheritanceAction struct {
	ID                        string
	PartyID                   string
	Category                  Category
	SequenceOrder             int
	ActionType                string
	Payload                   []byte
	Label                     string
	RequiresDeletionConsensus bool
}

// Activation tracks one trusted party's progress through the inheritance
// state machine.
type Activation struct {
	ID                       string
	PartyID                  string
	State                    State
	ActivatedAt              time.Time
	TimeLockExpiresAt        time.Time
	ActionsTotal             int
	ActionsCompleted         int
	CurrentActionID          string
	RequiresStepConfirmation bool
	CancelledAt              time.Time
	CompletedAt              time.Time
	Actions                  []InheritanceAction
}

// HashPassphrase returns the SHA-256 digest stored on a TrustedParty for
// later constant-time comparison.
func HashPassphrase(passphrase []byte) [sha256.Size]byte {
	return sha256.Sum256(passphrase)
}

// Activate validates passphrase against party's stored hash, decrypts pkg
// to confirm it is intact, and on success returns a new Activation in
// StateTimeLocked with timeLockExpiresAt = now + timeLockHours. actions and
// requiresStepConfirmation come from the party's previously registered
// plan (Store-owned), not from the package itself — the package only
// proves the passphrase is correct and the artifact hasn't been tampered
// with. It does not itself toggle the process-wide inheritance guard;
// callers do that (see Store/Executor).
func Activate(party TrustedParty, passphrase []byte, pkg EncryptedActivationPackage, actions []InheritanceAction, requiresStepConfirmation bool, timeLockHours int, now time.Time) (Activation, error) {
	got := sha256.Sum256(passphrase)
	if subtle.ConstantTimeCompare(got[:], party.PassphraseHash[:]) != 1 {
		return Activation{}, ErrPassphraseInvalid
	}

	_, err := pkg.Decrypt(passphrase)
	if err != nil {
		return Activation{}, fmt.Errorf("%w: %v", ErrPackageInvalidOrCorrupt, err)
	}

	act := Activation{
		ID:                       uuid.NewString(),
		PartyID:                  party.ID,
		State:                    StateTimeLocked,
		ActivatedAt:              now,
		TimeLockExpiresAt:        now.Add(time.Duration(timeLockHours) * time.Hour),
		ActionsTotal:             len(actions),
		RequiresStepConfirmation: requiresStepConfirmation,
		Actions:                  actions,
	}
	if len(actions) > 0 {
		act.CurrentActionID = actions[0].ID
	}
	return act, nil
}

// Cancel transitions the Activation to StateCancelled. Permitted only from
// StateTimeLocked (spec §4.8); any other state fails with ErrCancelTooLate.
func (a *Activation) Cancel() error {
	if !canTransition(a.State, StateCancelled) {
		return ErrCancelTooLate
	}
	a.State = StateCancelled
	a.CancelledAt = time.Now()
	return nil
}

// Advance moves the Activation past its time-lock once now has reached
// timeLockExpiresAt. The next state is StatePausedForConfirmation if the
// activation's plan requires step confirmation, else StateExecuting.
func (a *Activation) Advance(now time.Time) error {
	if a.State != StateTimeLocked {
		return fmt.Errorf("inheritance: advance: activation is in state %s, not time_locked", a.State)
	}
	if now.Before(a.TimeLockExpiresAt) {
		return ErrTimeLockNotExpired
	}

	next := StateExecuting
	if a.RequiresStepConfirmation {
		next = StatePausedForConfirmation
	}
	if !canTransition(a.State, next) {
		return fmt.Errorf("inheritance: illegal transition %s -> %s", a.State, next)
	}
	a.State = next
	return nil
}

// ConfirmStep moves a paused Activation into StateExecuting, acknowledging
// the step confirmation its plan required before the first action runs.
func (a *Activation) ConfirmStep() error {
	if !canTransition(a.State, StateExecuting) {
		return fmt.Errorf("inheritance: confirm step: illegal transition from %s", a.State)
	}
	a.State = StateExecuting
	return nil
}

// CurrentAction returns the action the executor should run next, if any
// remain.
func (a *Activation) CurrentAction() (InheritanceAction, bool) {
	if a.ActionsCompleted >= len(a.Actions) {
		return InheritanceAction{}, false
	}
	return a.Actions[a.ActionsCompleted], true
}

// AdvanceAction records that the current action has been run (or skipped)
// and moves the cursor to the next one. Once every action is accounted
// for, the Activation completes.
func (a *Activation) AdvanceAction() error {
	if a.State != StateExecuting {
		return fmt.Errorf("inheritance: advance action: activation is in state %s, not executing", a.State)
	}
	if a.ActionsCompleted >= len(a.Actions) {
		return ErrNoPendingAction
	}
	a.ActionsCompleted++
	if a.ActionsCompleted >= len(a.Actions) {
		a.CurrentActionID = ""
		return a.Complete()
	}
	a.CurrentActionID = a.Actions[a.ActionsCompleted].ID
	return nil
}

// Complete transitions a fully-executed Activation to StateCompleted.
func (a *Activation) Complete() error {
	if !canTransition(a.State, StateCompleted) {
		return fmt.Errorf("inheritance: complete: illegal transition from %s", a.State)
	}
	a.State = StateCompleted
	a.CompletedAt = time.Now()
	return nil
}

// Terminal reports whether the Activation has no further transitions.
func (a *Activation) Terminal() bool {
	return a.State.terminal()
}
