package inheritance

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "inheritance.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegisterParty_ThenGetPartyRoundTrips(t *testing.T) {
	s := openTestStore(t)
	p := TrustedParty{ID: "party-1", Name: "Aunt Mabel", Email: "mabel@example.org", Relationship: "aunt", PassphraseHash: HashPassphrase([]byte("pass"))}
	if err := s.RegisterParty(p); err != nil {
		t.Fatalf("RegisterParty: %v", err)
	}

	got, ok, err := s.GetParty("party-1")
	if err != nil {
		t.Fatalf("GetParty: %v", err)
	}
	if !ok {
		t.Fatal("expected party to be found")
	}
	if got.Name != p.Name || got.Email != p.Email || got.Relationship != p.Relationship {
		t.Fatalf("got %+v, want %+v", got, p)
	}
	if got.PassphraseHash != p.PassphraseHash {
		t.Fatal("passphrase hash did not round trip")
	}
}

func TestGetParty_UnknownIsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.GetParty("nobody")
	if err != nil {
		t.Fatalf("GetParty: %v", err)
	}
	if ok {
		t.Fatal("expected unknown party to not be found")
	}
}

func TestRegisterParty_UpsertReplacesFields(t *testing.T) {
	s := openTestStore(t)
	p := TrustedParty{ID: "party-1", Name: "Old Name", PassphraseHash: HashPassphrase([]byte("pass"))}
	if err := s.RegisterParty(p); err != nil {
		t.Fatalf("RegisterParty: %v", err)
	}
	p.Name = "New Name"
	if err := s.RegisterParty(p); err != nil {
		t.Fatalf("RegisterParty (update): %v", err)
	}

	got, ok, err := s.GetParty("party-1")
	if err != nil || !ok {
		t.Fatalf("GetParty: ok=%v err=%v", ok, err)
	}
	if got.Name != "New Name" {
		t.Fatalf("got name %q, want New Name", got.Name)
	}

	parties, err := s.ListParties()
	if err != nil {
		t.Fatalf("ListParties: %v", err)
	}
	if len(parties) != 1 {
		t.Fatalf("got %d parties, want exactly 1 (no duplicate row)", len(parties))
	}
}

func TestSavePlan_ThenGetPlanRoundTrips(t *testing.T) {
	s := openTestStore(t)
	actions := []InheritanceAction{
		{ID: "a1", Category: CategoryNotification, SequenceOrder: 0, ActionType: "inheritance.test-run", Label: "notify everyone"},
		{ID: "a2", Category: CategoryAccountAction, SequenceOrder: 1, ActionType: "service.api_call", RequiresDeletionConsensus: true},
	}
	if err := s.SavePlan("party-1", actions, true); err != nil {
		t.Fatalf("SavePlan: %v", err)
	}

	got, ok, err := s.GetPlan("party-1")
	if err != nil {
		t.Fatalf("GetPlan: %v", err)
	}
	if !ok {
		t.Fatal("expected plan to be found")
	}
	if len(got) != 2 || got[0].ID != "a1" || got[1].RequiresDeletionConsensus != true {
		t.Fatalf("got %+v", got)
	}

	requires, err := s.RequiresStepConfirmation("party-1")
	if err != nil {
		t.Fatalf("RequiresStepConfirmation: %v", err)
	}
	if !requires {
		t.Fatal("expected requiresStepConfirmation to be true")
	}
}

func TestGetPlan_UnregisteredPartyIsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.GetPlan("nobody")
	if err != nil {
		t.Fatalf("GetPlan: %v", err)
	}
	if ok {
		t.Fatal("expected no plan for an unregistered party")
	}
}

func testActivation(partyID string, state State) Activation {
	return Activation{
		ID:                "act-1",
		PartyID:           partyID,
		State:             state,
		ActivatedAt:       time.Now().UTC(),
		TimeLockExpiresAt: time.Now().UTC().Add(72 * time.Hour),
		ActionsTotal:      1,
		CurrentActionID:   "a1",
		Actions:           []InheritanceAction{{ID: "a1", ActionType: "inheritance.test-run"}},
	}
}

func TestSaveActivation_ThenGetActivationRoundTrips(t *testing.T) {
	s := openTestStore(t)
	_ = s.RegisterParty(TrustedParty{ID: "party-1"})
	act := testActivation("party-1", StateTimeLocked)

	if err := s.SaveActivation(act); err != nil {
		t.Fatalf("SaveActivation: %v", err)
	}

	got, ok, err := s.GetActivation("act-1")
	if err != nil {
		t.Fatalf("GetActivation: %v", err)
	}
	if !ok {
		t.Fatal("expected activation to be found")
	}
	if got.State != StateTimeLocked || got.PartyID != "party-1" || len(got.Actions) != 1 {
		t.Fatalf("got %+v", got)
	}
}

func TestSaveActivation_EnablesGuardWhileNonTerminal(t *testing.T) {
	s := openTestStore(t)
	DisableGuard()
	_ = s.RegisterParty(TrustedParty{ID: "party-1"})

	act := testActivation("party-1", StateTimeLocked)
	if err := s.SaveActivation(act); err != nil {
		t.Fatalf("SaveActivation: %v", err)
	}
	if !GuardEnabled() {
		t.Fatal("expected guard to be enabled while an activation is non-terminal")
	}

	act.State = StateCompleted
	act.CompletedAt = time.Now()
	if err := s.SaveActivation(act); err != nil {
		t.Fatalf("SaveActivation (complete): %v", err)
	}
	if GuardEnabled() {
		t.Fatal("expected guard to be disabled once no non-terminal activation remains")
	}
}

func TestNonTerminalForParty_IgnoresCompletedActivations(t *testing.T) {
	s := openTestStore(t)
	_ = s.RegisterParty(TrustedParty{ID: "party-1"})

	act := testActivation("party-1", StateCompleted)
	act.CompletedAt = time.Now()
	if err := s.SaveActivation(act); err != nil {
		t.Fatalf("SaveActivation: %v", err)
	}

	_, ok, err := s.NonTerminalForParty("party-1")
	if err != nil {
		t.Fatalf("NonTerminalForParty: %v", err)
	}
	if ok {
		t.Fatal("expected no non-terminal activation for a party whose only activation completed")
	}
}

func TestListExecuting_OnlyReturnsExecutingState(t *testing.T) {
	s := openTestStore(t)
	_ = s.RegisterParty(TrustedParty{ID: "party-1"})
	_ = s.RegisterParty(TrustedParty{ID: "party-2"})

	executing := testActivation("party-1", StateExecuting)
	executing.ID = "act-exec"
	locked := testActivation("party-2", StateTimeLocked)
	locked.ID = "act-locked"

	if err := s.SaveActivation(executing); err != nil {
		t.Fatalf("SaveActivation(executing): %v", err)
	}
	if err := s.SaveActivation(locked); err != nil {
		t.Fatalf("SaveActivation(locked): %v", err)
	}

	got, err := s.ListExecuting()
	if err != nil {
		t.Fatalf("ListExecuting: %v", err)
	}
	if len(got) != 1 || got[0].ID != "act-exec" {
		t.Fatalf("got %+v, want exactly act-exec", got)
	}
}

func TestActivationStates_ImplementsPartyActivationLister(t *testing.T) {
	s := openTestStore(t)
	_ = s.RegisterParty(TrustedParty{ID: "party-1"})
	_ = s.RegisterParty(TrustedParty{ID: "party-2"})
	_ = s.SaveActivation(testActivation("party-1", StateExecuting))

	states := s.ActivationStates()
	if states["party-1"] != StateExecuting {
		t.Fatalf("got party-1 state %v, want executing", states["party-1"])
	}
	if states["party-2"] != StateInactive {
		t.Fatalf("got party-2 state %v, want inactive (never activated)", states["party-2"])
	}
}
