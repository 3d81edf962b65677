// CLAUDE:SUMMARY Adaptive concurrency governor over a weighted semaphore: shrinks on error streaks, grows back on sustained success.
package ocr

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// governor bounds in-flight OCR calls with a limit that adapts between min
// and max. The semaphore is sized at max; shrinking the limit means holding
// extra permits, growing means releasing them back. A shrink decided while
// every permit is in flight is owed as a deficit and collected as workers
// release, so adaptation never blocks a worker and never gets lost.
type governor struct {
	sem *semaphore.Weighted

	mu            sync.Mutex
	limit         int64
	min, max      int64
	reserved      int64 // permits held to enforce limit < max
	deficit       int64 // permits owed; captured from releasing workers
	errStreak     int
	successStreak int
	latencyTarget time.Duration
}

func newGovernor(min, max int64, latencyTarget time.Duration) *governor {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	if latencyTarget <= 0 {
		latencyTarget = 20 * time.Second
	}
	return &governor{
		sem:           semaphore.NewWeighted(max),
		limit:         max,
		min:           min,
		max:           max,
		latencyTarget: latencyTarget,
	}
}

func (g *governor) acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

func (g *governor) release() {
	g.mu.Lock()
	if g.deficit > 0 {
		g.deficit--
		g.reserved++
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()
	g.sem.Release(1)
}

// Limit returns the current concurrency limit.
func (g *governor) Limit() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit
}

// report feeds one call outcome into the adaptation window. Two consecutive
// errors (or slow successes) halve the distance to min; a full window of
// fast successes steps the limit back up by one.
func (g *governor) report(latency time.Duration, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err != nil || latency > g.latencyTarget {
		g.errStreak++
		g.successStreak = 0
		if g.errStreak >= 2 {
			g.errStreak = 0
			target := (g.limit + g.min) / 2
			for g.limit > target {
				if g.sem.TryAcquire(1) {
					g.reserved++
				} else {
					g.deficit++
				}
				g.limit--
			}
		}
		return
	}

	g.errStreak = 0
	g.successStreak++
	if int64(g.successStreak) >= g.limit && g.limit < g.max {
		g.successStreak = 0
		if g.deficit > 0 {
			g.deficit--
		} else {
			g.sem.Release(1)
			g.reserved--
		}
		g.limit++
	}
}
