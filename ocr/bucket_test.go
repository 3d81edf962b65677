package ocr

import (
	"context"
	"testing"
	"time"
)

func TestHostBucketSpacesRequests(t *testing.T) {
	// WHAT: Sequential waits beyond the burst are spaced at least 1/rate apart.
	// WHY: The bucket is the only thing standing between the dispatcher and a
	// 429 storm from the OCR service.
	hb := newHostBucket(50, 1)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 6; i++ {
		if err := hb.Wait(ctx, "ocr.example"); err != nil {
			t.Fatal(err)
		}
	}
	elapsed := time.Since(start)
	// One burst token, then five refills at 20ms each.
	if elapsed < 95*time.Millisecond {
		t.Errorf("6 requests at 50/s took %v, want >= 100ms", elapsed)
	}
}

func TestHostBucketIsolatesHosts(t *testing.T) {
	// WHAT: Draining one host's bucket leaves another host's untouched.
	// WHY: Pacing is per destination service, not global.
	hb := newHostBucket(1, 1)
	if wait := hb.take("a.example"); wait != 0 {
		t.Fatalf("first take on a.example waits %v", wait)
	}
	if wait := hb.take("a.example"); wait == 0 {
		t.Fatal("a.example should be drained")
	}
	if wait := hb.take("b.example"); wait != 0 {
		t.Errorf("b.example blocked by a.example's drain: wait %v", wait)
	}
}

func TestHostBucketWaitHonorsCancellation(t *testing.T) {
	// WHAT: A cancelled context unblocks Wait with the context error.
	// WHY: Job cancellation must not hang behind pacing sleeps.
	hb := newHostBucket(0.1, 1)
	hb.take("slow.example")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := hb.Wait(ctx, "slow.example"); err == nil {
		t.Fatal("expected context error")
	}
}
