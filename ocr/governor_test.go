package ocr

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGovernorShrinksOnErrorStreak(t *testing.T) {
	// WHAT: Two consecutive errors halve the distance to the minimum.
	// WHY: A struggling service needs fewer concurrent callers, fast.
	g := newGovernor(1, 8, time.Second)
	g.report(10*time.Millisecond, errors.New("boom"))
	g.report(10*time.Millisecond, errors.New("boom"))
	if got := g.Limit(); got != 4 {
		t.Errorf("limit after streak: got %d, want 4", got)
	}
}

func TestGovernorNeverBelowMin(t *testing.T) {
	// WHAT: Sustained errors bottom out at the configured minimum.
	// WHY: Progress must continue even against a flaky service.
	g := newGovernor(2, 8, time.Second)
	for i := 0; i < 20; i++ {
		g.report(time.Millisecond, errors.New("boom"))
	}
	if got := g.Limit(); got != 2 {
		t.Errorf("limit: got %d, want min 2", got)
	}
}

func TestGovernorGrowsBackOnSuccess(t *testing.T) {
	// WHAT: A full window of fast successes raises the limit by one step.
	// WHY: Recovery should restore throughput without a restart.
	g := newGovernor(1, 8, time.Second)
	g.report(time.Millisecond, errors.New("boom"))
	g.report(time.Millisecond, errors.New("boom"))
	shrunk := g.Limit()
	for i := int64(0); i < shrunk; i++ {
		g.report(time.Millisecond, nil)
	}
	if got := g.Limit(); got != shrunk+1 {
		t.Errorf("limit after recovery: got %d, want %d", got, shrunk+1)
	}
}

func TestGovernorSlowSuccessCountsAgainst(t *testing.T) {
	// WHAT: Successes slower than the latency target shrink the limit too.
	// WHY: Saturation shows up as latency before it shows up as errors.
	g := newGovernor(1, 8, 10*time.Millisecond)
	g.report(time.Second, nil)
	g.report(time.Second, nil)
	if got := g.Limit(); got >= 8 {
		t.Errorf("limit: got %d, want < 8", got)
	}
}

func TestGovernorShrinksUnderSaturation(t *testing.T) {
	// WHAT: An error streak while every permit is in flight still lowers the
	// limit; the owed permits are captured as workers release.
	// WHY: Overload is exactly when all permits are taken, so a shrink that
	// only works on an idle semaphore would never fire when needed.
	g := newGovernor(1, 4, time.Second)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := g.acquire(ctx); err != nil {
			t.Fatal(err)
		}
	}
	g.report(time.Millisecond, errors.New("boom"))
	g.report(time.Millisecond, errors.New("boom"))
	if got := g.Limit(); got != 2 {
		t.Fatalf("limit under saturation: got %d, want 2", got)
	}

	// Workers drain; the captured permits never return to the pool.
	for i := 0; i < 4; i++ {
		g.release()
	}
	for i := 0; i < 2; i++ {
		if err := g.acquire(ctx); err != nil {
			t.Fatal(err)
		}
	}
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := g.acquire(waitCtx); err == nil {
		t.Fatal("acquire exceeded the shrunk limit")
	}
}

func TestGovernorAcquireRespectsLimit(t *testing.T) {
	// WHAT: With the limit shrunk to 1, a second acquire blocks until release.
	// WHY: The limit is only real if the semaphore enforces it.
	g := newGovernor(1, 2, time.Second)
	g.report(time.Millisecond, errors.New("boom"))
	g.report(time.Millisecond, errors.New("boom"))
	if got := g.Limit(); got != 1 {
		t.Fatalf("limit: got %d, want 1", got)
	}

	if err := g.acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.acquire(ctx); err == nil {
		t.Fatal("second acquire succeeded past the limit")
	}
	g.release()
}
