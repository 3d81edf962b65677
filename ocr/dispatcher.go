// CLAUDE:SUMMARY OCR fan-out: adaptive concurrency, per-host pacing, jittered retries, fallback substitution, degraded warning.
package ocr

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/mdwb/tiler"
)

// Config tunes the dispatcher. Zero values take production defaults.
type Config struct {
	// MinConcurrency and MaxConcurrency bound the adaptive in-flight limit.
	// Defaults: 1 and 8.
	MinConcurrency int
	MaxConcurrency int

	// LatencyTarget is the per-call latency above which a success still
	// counts against the concurrency limit. Default: 20s.
	LatencyTarget time.Duration

	// RatePerSecond paces requests per destination host. Default: 4.
	RatePerSecond float64
	Burst         float64

	// MaxAttempts bounds tries per tile, first call included. Default: 3.
	MaxAttempts int

	// RetryBase is the backoff unit: attempt n sleeps base<<n plus jitter.
	// Default: 200ms.
	RetryBase time.Duration

	// Policy is PolicySubstitute or PolicyFailTile. Default: substitute.
	Policy string

	// DegradedThreshold is how many consecutive tile failures raise the
	// ocr_degraded warning. Default: 5.
	DegradedThreshold int

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MinConcurrency <= 0 {
		c.MinConcurrency = 1
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 8
	}
	if c.MaxConcurrency < c.MinConcurrency {
		c.MaxConcurrency = c.MinConcurrency
	}
	if c.LatencyTarget <= 0 {
		c.LatencyTarget = 20 * time.Second
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 200 * time.Millisecond
	}
	if c.Policy == "" {
		c.Policy = PolicySubstitute
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// WarnFunc receives pipeline warnings (code, human message). May be nil.
type WarnFunc func(code, message string)

// Hoster is implemented by clients that know their destination host, used
// as the pacing key. Clients without one share a single bucket.
type Hoster interface {
	Host() string
}

// Dispatcher fans tiles out to the OCR client.
type Dispatcher struct {
	client Client
	cfg    Config
	gov    *governor
	bucket *hostBucket
	host   string

	mu          sync.Mutex
	failStreak  int
	degradedYet bool
}

// NewDispatcher creates a dispatcher for the given client. A nil client is
// allowed when every tile should use the fallback (demo and offline modes).
func NewDispatcher(client Client, cfg Config) *Dispatcher {
	cfg.defaults()
	host := "default"
	if h, ok := client.(Hoster); ok {
		host = h.Host()
	}
	return &Dispatcher{
		client: client,
		cfg:    cfg,
		gov:    newGovernor(int64(cfg.MinConcurrency), int64(cfg.MaxConcurrency), cfg.LatencyTarget),
		bucket: newHostBucket(cfg.RatePerSecond, cfg.Burst),
		host:   host,
	}
}

// Limit exposes the current adaptive concurrency limit, for telemetry.
func (d *Dispatcher) Limit() int64 { return d.gov.Limit() }

// DegradedThreshold exposes the configured failure-streak limit, recorded
// alongside the ocr_degraded warning.
func (d *Dispatcher) DegradedThreshold() int { return d.cfg.DegradedThreshold }

// Process recognises every tile and returns results in tile order. Tile
// failures degrade (substitute or placeholder) rather than failing the
// batch; only context cancellation and total misconfiguration are errors.
// On error the partially filled results are returned alongside it, so
// completed tiles survive a mid-batch cancellation.
func (d *Dispatcher) Process(ctx context.Context, tiles []tiler.Tile, fallback FallbackFunc, warn WarnFunc) ([]Result, error) {
	if d.client == nil && fallback == nil {
		return nil, ErrNoClient
	}

	results := make([]Result, len(tiles))
	g, gctx := errgroup.WithContext(ctx)
	for i := range tiles {
		tile := tiles[i]
		slot := &results[i]
		g.Go(func() error {
			if err := d.gov.acquire(gctx); err != nil {
				return err
			}
			defer d.gov.release()
			return d.processTile(gctx, tile, slot, fallback, warn)
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

func (d *Dispatcher) processTile(ctx context.Context, tile tiler.Tile, out *Result, fallback FallbackFunc, warn WarnFunc) error {
	out.TileID = tile.ID
	out.Index = tile.Index

	// No client means fallback-only operation, not degradation.
	if d.client == nil {
		rec, err := fallback(tile)
		if err != nil {
			return err
		}
		out.Text = rec.Text
		out.Confidence = rec.Confidence
		out.Fallback = true
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < d.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := d.backoff(ctx, attempt); err != nil {
				return err
			}
		}
		if err := d.bucket.Wait(ctx, d.host); err != nil {
			return err
		}

		start := time.Now()
		rec, err := d.client.Recognize(ctx, tile)
		latency := time.Since(start)
		d.gov.report(latency, err)
		out.Attempts = attempt + 1
		out.Latency = latency

		if err == nil {
			out.Text = rec.Text
			out.Confidence = rec.Confidence
			d.noteSuccess()
			return nil
		}
		lastErr = err
		if !IsTransient(err) {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	d.cfg.Logger.Warn("ocr: tile failed", "tile", tile.ID, "index", tile.Index, "attempts", out.Attempts, "error", lastErr)
	return d.substitute(tile, out, fallback, warn)
}

// substitute resolves a permanently failed tile according to the policy.
func (d *Dispatcher) substitute(tile tiler.Tile, out *Result, fallback FallbackFunc, warn WarnFunc) error {
	d.noteFailure(warn)

	if d.cfg.Policy == PolicySubstitute && fallback != nil {
		rec, err := fallback(tile)
		if err == nil {
			out.Text = rec.Text
			out.Confidence = rec.Confidence
			out.Fallback = true
			return nil
		}
		d.cfg.Logger.Warn("ocr: fallback failed", "tile", tile.ID, "error", err)
	}
	out.Failed = true
	return nil
}

func (d *Dispatcher) backoff(ctx context.Context, attempt int) error {
	delay := d.cfg.RetryBase << (attempt - 1)
	delay += time.Duration(rand.Int64N(int64(d.cfg.RetryBase)))
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (d *Dispatcher) noteSuccess() {
	d.mu.Lock()
	d.failStreak = 0
	d.mu.Unlock()
}

func (d *Dispatcher) noteFailure(warn WarnFunc) {
	d.mu.Lock()
	d.failStreak++
	fire := d.failStreak >= d.cfg.DegradedThreshold && !d.degradedYet
	if fire {
		d.degradedYet = true
	}
	d.mu.Unlock()
	if fire && warn != nil {
		warn("ocr_degraded", "ocr service failing repeatedly; output degraded to fallback text")
	}
}
