package approvals

import (
	"path/filepath"
	"testing"
)

func openTestTracker(t *testing.T) *Tracker {
	t.Helper()
	tr, err := New(filepath.Join(t.TempDir(), "approvals.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestRecordApproval_IncrementsConsecutive(t *testing.T) {
	tr := openTestTracker(t)

	for i := 1; i <= 3; i++ {
		if err := tr.RecordApproval("email.archive", "default"); err != nil {
			t.Fatalf("RecordApproval %d: %v", i, err)
		}
		p, found, err := tr.Get("email.archive", "default")
		if err != nil || !found {
			t.Fatalf("Get: found=%v err=%v", found, err)
		}
		if p.ConsecutiveApprovals != i {
			t.Fatalf("iteration %d: got consecutive=%d, want %d", i, p.ConsecutiveApprovals, i)
		}
	}
}

func TestRecordRejection_ResetsConsecutiveToZero(t *testing.T) {
	tr := openTestTracker(t)
	for i := 0; i < 3; i++ {
		_ = tr.RecordApproval("email.archive", "default")
	}
	if err := tr.RecordRejection("email.archive", "default"); err != nil {
		t.Fatalf("RecordRejection: %v", err)
	}

	p, found, err := tr.Get("email.archive", "default")
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	if p.ConsecutiveApprovals != 0 {
		t.Fatalf("got consecutive=%d, want 0", p.ConsecutiveApprovals)
	}
	if p.TotalRejections != 1 {
		t.Fatalf("got totalRejections=%d, want 1", p.TotalRejections)
	}
}

func TestIsRoutine_BecomesTrueAtThreshold(t *testing.T) {
	tr := openTestTracker(t)
	for i := 0; i < DefaultAutoExecuteThreshold-1; i++ {
		if err := tr.RecordApproval("email.archive", "default"); err != nil {
			t.Fatalf("RecordApproval: %v", err)
		}
		routine, err := tr.IsRoutine("email.archive", "default")
		if err != nil {
			t.Fatalf("IsRoutine: %v", err)
		}
		if routine {
			t.Fatalf("became routine too early at iteration %d", i)
		}
	}
	if err := tr.RecordApproval("email.archive", "default"); err != nil {
		t.Fatalf("RecordApproval: %v", err)
	}
	routine, err := tr.IsRoutine("email.archive", "default")
	if err != nil {
		t.Fatalf("IsRoutine: %v", err)
	}
	if !routine {
		t.Fatal("expected routine at threshold")
	}
}

func TestIsRoutine_UnknownPatternIsNotRoutine(t *testing.T) {
	tr := openTestTracker(t)
	routine, err := tr.IsRoutine("calendar.create", "default")
	if err != nil {
		t.Fatalf("IsRoutine: %v", err)
	}
	if routine {
		t.Fatal("an unrecorded pattern must not be routine")
	}
}

func TestDeriveSubType_EmailSendReplyVsNew(t *testing.T) {
	reply := DeriveSubType("email.send", []byte(`{"replyToMessageId":"msg-1"}`))
	if reply != "reply" {
		t.Fatalf("got %q, want reply", reply)
	}
	fresh := DeriveSubType("email.send", []byte(`{"to":["a@x"]}`))
	if fresh != "new" {
		t.Fatalf("got %q, want new", fresh)
	}
}

func TestDeriveSubType_DefaultForUnclassifiedActions(t *testing.T) {
	got := DeriveSubType("calendar.create", []byte(`{}`))
	if got != DefaultSubType {
		t.Fatalf("got %q, want %q", got, DefaultSubType)
	}
}
