package allowlist

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "allowlist.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestContains_UnknownDomainIsFalse(t *testing.T) {
	s := openTestStore(t)
	ok, err := s.Contains("example.com", "https")
	if err != nil {
		t.Fatalf("Contains: %v", err)
	}
	if ok {
		t.Fatal("unknown domain should not be contained")
	}
}

func TestAdd_ThenContainsIsTrue(t *testing.T) {
	s := openTestStore(t)
	if err := s.Add("example.com", "https", "trusted service"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ok, err := s.Contains("example.com", "https")
	if err != nil {
		t.Fatalf("Contains: %v", err)
	}
	if !ok {
		t.Fatal("added entry should be contained")
	}
}

func TestContains_DistinguishesProtocol(t *testing.T) {
	s := openTestStore(t)
	if err := s.Add("example.com", "https", "trusted service"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	ok, err := s.Contains("example.com", "http")
	if err != nil {
		t.Fatalf("Contains: %v", err)
	}
	if ok {
		t.Fatal("entry for https must not match http lookup")
	}
}

func TestDeactivate_RemovesFromContains(t *testing.T) {
	s := openTestStore(t)
	if err := s.Add("example.com", "https", "trusted service"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Deactivate("example.com", "https"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	ok, err := s.Contains("example.com", "https")
	if err != nil {
		t.Fatalf("Contains: %v", err)
	}
	if ok {
		t.Fatal("deactivated entry must not be contained")
	}
}

func TestAdd_ReactivatesDeactivatedEntry(t *testing.T) {
	s := openTestStore(t)
	if err := s.Add("example.com", "https", "first reason"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Deactivate("example.com", "https"); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if err := s.Add("example.com", "https", "re-approved"); err != nil {
		t.Fatalf("Add (reactivate): %v", err)
	}
	ok, err := s.Contains("example.com", "https")
	if err != nil {
		t.Fatalf("Contains: %v", err)
	}
	if !ok {
		t.Fatal("re-added entry should be contained again")
	}

	entries, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want exactly 1 (no duplicate row)", len(entries))
	}
	if entries[0].Reason != "re-approved" {
		t.Fatalf("got reason %q, want updated reason", entries[0].Reason)
	}
}

func TestList_OrderedByDomainThenProtocol(t *testing.T) {
	s := openTestStore(t)
	_ = s.Add("zeta.com", "https", "")
	_ = s.Add("alpha.com", "https", "")
	_ = s.Add("alpha.com", "http", "")

	entries, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].Domain != "alpha.com" || entries[0].Protocol != "http" {
		t.Fatalf("got first entry %+v, want alpha.com/http", entries[0])
	}
	if entries[2].Domain != "zeta.com" {
		t.Fatalf("got last entry %+v, want zeta.com", entries[2])
	}
}
