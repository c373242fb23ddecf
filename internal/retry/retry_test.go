// Copyright 2025 James Ross
package retry

import (
	"testing"
	"time"
)

func TestBackoffExponentialGrowth(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
	}
	for _, c := range cases {
		got := Backoff(c.attempts, 100*time.Millisecond, 2.0)
		if got != c.want {
			t.Errorf("attempts=%d: expected %v, got %v", c.attempts, c.want, got)
		}
	}
}

func TestBackoffClampsNonPositiveAttempts(t *testing.T) {
	got := Backoff(0, 100*time.Millisecond, 2.0)
	want := 100 * time.Millisecond
	if got != want {
		t.Fatalf("expected attempts<1 to behave like attempts=1 (%v), got %v", want, got)
	}
}

func TestBackoffClampsNonPositiveMultiplier(t *testing.T) {
	got := Backoff(3, 50*time.Millisecond, 0)
	want := 50 * time.Millisecond
	if got != want {
		t.Fatalf("expected a non-positive multiplier to fall back to 1 (flat %v), got %v", want, got)
	}
}

func TestShouldDeadLetter(t *testing.T) {
	if ShouldDeadLetter(2, 3) {
		t.Fatal("expected 2 attempts against a budget of 3 to not dead-letter yet")
	}
	if !ShouldDeadLetter(3, 3) {
		t.Fatal("expected attempts == max_attempts to dead-letter")
	}
	if !ShouldDeadLetter(4, 3) {
		t.Fatal("expected attempts beyond max_attempts to dead-letter")
	}
}
