// CLAUDE:SUMMARY OCR dispatch types: client contract, per-tile results, fallback policies, transient error classification.
// Package ocr sends image tiles to a text-recognition service and collects
// per-tile results. The dispatcher bounds concurrency adaptively, paces
// requests per host, retries transient failures with jittered backoff, and
// degrades to a DOM-derived fallback when the service stays down.
package ocr

import (
	"context"
	"errors"
	"time"

	"github.com/hazyhaar/mdwb/tiler"
)

// ErrNoClient is returned when the dispatcher has neither a client nor a
// fallback to produce text with.
var ErrNoClient = errors.New("ocr: no client configured")

// ErrTileFailed marks a tile whose recognition failed permanently under the
// fail-tile policy.
var ErrTileFailed = errors.New("ocr: tile recognition failed")

// Fallback policies decide what happens when a tile exhausts its retries.
const (
	// PolicySubstitute replaces the failed tile's text with the DOM-derived
	// fallback slice. The page still produces a complete document.
	PolicySubstitute = "substitute"
	// PolicyFailTile marks the tile failed; stitching emits a placeholder.
	PolicyFailTile = "fail-tile"
)

// Recognition is a service response for one tile.
type Recognition struct {
	Text       string
	Confidence float64
}

// Client recognises text in a tile image. Implementations must be safe for
// concurrent use.
type Client interface {
	Recognize(ctx context.Context, tile tiler.Tile) (Recognition, error)
}

// FallbackFunc produces deterministic substitute text for a tile from the
// DOM snapshot. See NewDOMFallback.
type FallbackFunc func(tile tiler.Tile) (Recognition, error)

// Result is the dispatcher's outcome for one tile, in tile order.
type Result struct {
	TileID     string        `json:"tile_id"`
	Index      int           `json:"index"`
	Text       string        `json:"text"`
	Confidence float64       `json:"confidence"`
	Latency    time.Duration `json:"latency_ns"`
	Attempts   int           `json:"attempts"`
	Fallback   bool          `json:"fallback"`
	Failed     bool          `json:"failed"`
}

// transientError wraps failures worth retrying: network errors, 429, 5xx.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so the dispatcher will retry it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
