// CLAUDE:SUMMARY Capture driver contract: navigate a URL, sweep the scroll extent, return viewport frames + DOM snapshot.
// Package capture defines the browser capture driver contract and its go-rod
// implementation. A driver renders a page exactly as a browser would and
// returns a Sweep: ordered viewport-aligned screenshots covering the full
// scroll extent, plus a DOM snapshot for link harvesting and OCR fallback.
package capture

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ErrNavigate is returned when navigation to the target URL fails.
var ErrNavigate = errors.New("capture: navigation failed")

// ErrNoBrowser is returned when the driver has no usable browser session.
var ErrNoBrowser = errors.New("capture: no active browser")

// Phase identifies the capture stage currently executing. The job manager
// mirrors phases into externally visible job states.
type Phase int

const (
	PhaseNavigate Phase = iota
	PhaseScroll
	PhaseCapture
)

// ProgressFunc receives phase transitions during a capture. May be nil.
type ProgressFunc func(Phase)

// Config is the per-job capture configuration. It is immutable once the job
// is submitted; its canonical JSON participates in the job fingerprint.
type Config struct {
	ViewportWidth  int           `json:"viewport_width" yaml:"viewport_width"`
	ViewportHeight int           `json:"viewport_height" yaml:"viewport_height"`
	DPR            float64       `json:"dpr" yaml:"dpr"`
	ReducedMotion  bool          `json:"reduced_motion" yaml:"reduced_motion"`
	Blocklist      []string      `json:"blocklist,omitempty" yaml:"blocklist"`
	NavTimeout     time.Duration `json:"nav_timeout" yaml:"nav_timeout"`
	SettleDelay    time.Duration `json:"settle_delay" yaml:"settle_delay"`
	MaxFrames      int           `json:"max_frames" yaml:"max_frames"`
}

// Defaults fills zero fields with production values.
func (c *Config) Defaults() {
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = 1280
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = 2000
	}
	if c.DPR <= 0 {
		c.DPR = 1
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 250 * time.Millisecond
	}
	if c.MaxFrames <= 0 {
		c.MaxFrames = 64
	}
}

// profiles are the named capture presets selectable by id at submission.
var profiles = map[string]Config{
	"desktop": {ViewportWidth: 1280, ViewportHeight: 2000, DPR: 1},
	"tablet":  {ViewportWidth: 834, ViewportHeight: 1194, DPR: 2, ReducedMotion: true},
	"mobile":  {ViewportWidth: 390, ViewportHeight: 844, DPR: 3, ReducedMotion: true},
}

// Profile resolves a named capture preset. The bool reports whether the id
// is known.
func Profile(id string) (Config, bool) {
	cfg, ok := profiles[id]
	return cfg, ok
}

// Frame is one viewport screenshot at a vertical scroll offset.
type Frame struct {
	Index      int
	OffsetY    int // CSS pixels from document top
	PNG        []byte
	CapturedAt time.Time
}

// Sweep is the ordered capture of a page's full scroll extent. Produced once
// per job by a Driver; immutable afterwards.
type Sweep struct {
	URL    string
	Frames []Frame

	// Heights records the measured document scroll height at each frame.
	// Disagreement between entries signals layout instability; the tiler
	// reacts with a bounded shrink-and-retry.
	Heights []int

	ViewportWidth  int
	ViewportHeight int
	DPR            float64

	DOMSnapshot []byte

	BrowserBuild   string
	BrowserChannel string
	EngineVersion  string
	StyleHash      string

	// BlocklistHits counts elements removed per blocklist selector.
	BlocklistHits map[string]int
}

// InitialHeight is the scroll height measured before the sweep started.
func (s *Sweep) InitialHeight() int {
	if len(s.Heights) == 0 {
		return 0
	}
	return s.Heights[0]
}

// FinalHeight is the scroll height measured at the last frame.
func (s *Sweep) FinalHeight() int {
	if len(s.Heights) == 0 {
		return 0
	}
	return s.Heights[len(s.Heights)-1]
}

// Stable reports whether the measured scroll height never changed.
func (s *Sweep) Stable() bool {
	for _, h := range s.Heights {
		if h != s.Heights[0] {
			return false
		}
	}
	return true
}

// Driver renders pages. Implementations must be safe for concurrent
// Navigate calls from multiple jobs.
type Driver interface {
	Navigate(ctx context.Context, url string, cfg Config, progress ProgressFunc) (*Sweep, error)
}

// StyleHash derives the screenshot-style hash: a stable digest of everything
// that changes pixel output independently of page content. Two sweeps with
// the same style hash are pixel-comparable.
func StyleHash(userAgent string, cfg Config, engineVersion string) string {
	h, _ := blake2b.New256(nil)
	fmt.Fprintf(h, "%s|%dx%d|%.2f|%v|%s", userAgent, cfg.ViewportWidth, cfg.ViewportHeight, cfg.DPR, cfg.ReducedMotion, engineVersion)
	return hex.EncodeToString(h.Sum(nil))
}
