// Copyright 2025 James Ross
package worker

import (
	"testing"
	"time"

	"github.com/flyingrobots/go-task-runner/internal/retry"
)

func TestRetryBackoffAtFourthAttempt(t *testing.T) {
	// worker delegates the backoff formula entirely to internal/retry;
	// this calls retry.Backoff directly and pins its value at attempt 4
	// (100ms * 2^3), with no cap involved.
	b := retry.Backoff(4, 100*time.Millisecond, 2.0)
	want := 800 * time.Millisecond
	if b != want {
		t.Fatalf("expected %v, got %v", want, b)
	}
}
