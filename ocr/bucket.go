// CLAUDE:SUMMARY Per-host blocking token bucket pacing outbound OCR requests.
package ocr

import (
	"context"
	"sync"
	"time"
)

// hostBucket paces outbound requests per destination host. Unlike an HTTP
// middleware limiter, callers block on Wait until a token is available or
// the context is cancelled.
type hostBucket struct {
	rate  float64 // tokens per second
	burst float64

	mu      sync.Mutex
	buckets map[string]*bucketState
}

type bucketState struct {
	tokens     float64
	lastRefill time.Time
}

func newHostBucket(ratePerSecond, burst float64) *hostBucket {
	if ratePerSecond <= 0 {
		ratePerSecond = 4
	}
	if burst < 1 {
		burst = ratePerSecond
	}
	return &hostBucket{
		rate:    ratePerSecond,
		burst:   burst,
		buckets: make(map[string]*bucketState),
	}
}

// Wait blocks until a token is available for host.
func (hb *hostBucket) Wait(ctx context.Context, host string) error {
	for {
		wait := hb.take(host)
		if wait <= 0 {
			return nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// take consumes a token if available, otherwise returns how long to wait
// before trying again.
func (hb *hostBucket) take(host string) time.Duration {
	hb.mu.Lock()
	defer hb.mu.Unlock()

	now := time.Now()
	b, ok := hb.buckets[host]
	if !ok {
		b = &bucketState{tokens: hb.burst, lastRefill: now}
		hb.buckets[host] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = min(hb.burst, b.tokens+elapsed*hb.rate)
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return 0
	}
	return time.Duration((1 - b.tokens) / hb.rate * float64(time.Second))
}
