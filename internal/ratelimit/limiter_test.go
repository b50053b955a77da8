package ratelimit

import (
	"testing"
	"time"
)

func TestAllow_WithinPerActionLimit(t *testing.T) {
	l := New(time.Minute, map[string]int{"email.fetch": 2}, 100)

	if !l.Allow("email.fetch") {
		t.Fatal("first call should be allowed")
	}
	if !l.Allow("email.fetch") {
		t.Fatal("second call should be allowed")
	}
	if l.Allow("email.fetch") {
		t.Fatal("third call should be rejected, limit is 2")
	}
}

func TestAllow_GlobalLimitAppliesAcrossActions(t *testing.T) {
	l := New(time.Minute, map[string]int{"email.fetch": 10, "email.send": 10}, 3)

	if !l.Allow("email.fetch") {
		t.Fatal("call 1 should be allowed")
	}
	if !l.Allow("email.send") {
		t.Fatal("call 2 should be allowed")
	}
	if !l.Allow("email.fetch") {
		t.Fatal("call 3 should be allowed")
	}
	if l.Allow("email.send") {
		t.Fatal("call 4 should be rejected, global limit is 3")
	}
}

func TestAllow_WindowSlidesOverTime(t *testing.T) {
	l := New(20*time.Millisecond, map[string]int{"email.fetch": 1}, 100)

	if !l.Allow("email.fetch") {
		t.Fatal("first call should be allowed")
	}
	if l.Allow("email.fetch") {
		t.Fatal("second call should be rejected within window")
	}

	time.Sleep(30 * time.Millisecond)

	if !l.Allow("email.fetch") {
		t.Fatal("call after window elapses should be allowed again")
	}
}

func TestAllow_DistinctActionsHaveIndependentCounters(t *testing.T) {
	l := New(time.Minute, map[string]int{"email.fetch": 1, "calendar.fetch": 1}, 100)

	if !l.Allow("email.fetch") {
		t.Fatal("email.fetch should be allowed")
	}
	if !l.Allow("calendar.fetch") {
		t.Fatal("calendar.fetch should be allowed independently of email.fetch")
	}
}

func TestAllow_UnconfiguredActionUsesDefaultLimit(t *testing.T) {
	l := New(time.Minute, nil, 1000)

	for i := 0; i < DefaultLimit; i++ {
		if !l.Allow("some.unconfigured.action") {
			t.Fatalf("call %d should be allowed under default limit", i+1)
		}
	}
	if l.Allow("some.unconfigured.action") {
		t.Fatal("call past DefaultLimit should be rejected")
	}
}

func TestRetryAfter_ZeroWhenUnderLimit(t *testing.T) {
	l := New(time.Minute, map[string]int{"email.fetch": 5}, 100)
	if got := l.RetryAfter("email.fetch"); got != 0 {
		t.Fatalf("got %v, want 0", got)
	}
}

func TestRetryAfter_PositiveWhenAtLimit(t *testing.T) {
	l := New(50*time.Millisecond, map[string]int{"email.fetch": 1}, 100)
	l.Allow("email.fetch")

	retry := l.RetryAfter("email.fetch")
	if retry <= 0 || retry > 50*time.Millisecond {
		t.Fatalf("got %v, want value in (0, 50ms]", retry)
	}
}

func TestRetryAfter_ReflectsGlobalLimitWhenStricter(t *testing.T) {
	l := New(50*time.Millisecond, map[string]int{"email.fetch": 100}, 1)
	l.Allow("email.fetch")

	retry := l.RetryAfter("email.fetch")
	if retry <= 0 {
		t.Fatalf("got %v, want positive retry driven by exhausted global limit", retry)
	}
}
