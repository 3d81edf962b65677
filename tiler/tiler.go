// CLAUDE:SUMMARY Cuts a capture sweep into overlapping fixed-window tiles: DPR-normalised compose, deterministic plan, blake2b tile IDs.
// Package tiler converts a capture sweep into an ordered sequence of
// overlapping image tiles sized for OCR. Tiling is deterministic: the same
// sweep always yields the same tile boundaries, bytes, and IDs.
package tiler

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/png"

	"golang.org/x/crypto/blake2b"

	"github.com/hazyhaar/mdwb/capture"
)

// ErrEmptySweep is returned when the sweep has no frames.
var ErrEmptySweep = errors.New("tiler: sweep has no frames")

// Config tunes tile geometry. Zero values take production defaults.
type Config struct {
	// TileHeight is the tile window in CSS pixels. Default: the sweep's
	// viewport height.
	TileHeight int

	// Overlap is the shared band between consecutive tiles, in CSS pixels.
	// Default: 120.
	Overlap int

	// MaxLongSide caps the longest tile side. A window taller than this is
	// clamped; a viewport wider than this is recorded as a validation
	// failure. Default: 4096.
	MaxLongSide int

	// MaxShrinkRetries bounds how many times the window shrinks when the
	// measured document height was unstable during the sweep. Default: 2.
	MaxShrinkRetries int
}

func (c *Config) defaults(viewportHeight int) {
	if c.TileHeight <= 0 {
		c.TileHeight = viewportHeight
	}
	if c.Overlap <= 0 {
		c.Overlap = 120
	}
	if c.MaxLongSide <= 0 {
		c.MaxLongSide = 4096
	}
	if c.MaxShrinkRetries <= 0 {
		c.MaxShrinkRetries = 2
	}
}

// Tile is one overlapping slice of the composed page image.
type Tile struct {
	// ID is the blake2b-256 hex digest of the PNG bytes. Content-addressed:
	// identical renders yield identical IDs.
	ID     string
	Index  int
	StartY int // CSS pixels from document top, inclusive
	EndY   int // exclusive
	Width  int
	Height int
	PNG    []byte
}

// Stats describes how the cut went. Carried into the job manifest.
type Stats struct {
	FrameCount     int `json:"frame_count"`
	SweepCount     int `json:"sweep_count"`
	DocumentHeight int `json:"document_height"`
	WindowHeight   int `json:"window_height"`
	Overlap        int `json:"overlap"`

	// RetryAttempts counts the height changes observed during the sweep;
	// ShrinkEvents counts the window shrinks actually performed (capped by
	// MaxShrinkRetries).
	RetryAttempts int `json:"retry_attempts"`
	ShrinkEvents  int `json:"shrink_events"`

	OverlapPairs      int     `json:"overlap_pairs"`
	OverlapMatches    int     `json:"overlap_matches"`
	OverlapMatchRatio float64 `json:"overlap_match_ratio"`

	ValidationFailures []string `json:"validation_failures,omitempty"`
}

// Set is the ordered tile sequence plus cut statistics.
type Set struct {
	Tiles []Tile
	Stats Stats
}

// Degraded reports whether the cut completed with validation failures.
// A degraded set is still usable; the job records a warning instead of
// failing.
func (s *Set) Degraded() bool {
	return len(s.Stats.ValidationFailures) > 0
}

// Cut composes the sweep's frames into one page image and slices it into
// overlapping tiles. An unstable sweep (document height changed while
// scrolling) shrinks the tile window by a quarter per extra height, bounded
// by MaxShrinkRetries, and always uses the last measured height.
func Cut(sweep *capture.Sweep, cfg Config) (*Set, error) {
	if len(sweep.Frames) == 0 {
		return nil, ErrEmptySweep
	}
	cfg.defaults(sweep.ViewportHeight)

	set := &Set{Stats: Stats{
		FrameCount: len(sweep.Frames),
		Overlap:    cfg.Overlap,
	}}

	window := cfg.TileHeight
	if window > cfg.MaxLongSide {
		window = cfg.MaxLongSide
	}
	if !sweep.Stable() {
		shrinks := distinctHeights(sweep.Heights) - 1
		set.Stats.RetryAttempts = shrinks
		if shrinks > cfg.MaxShrinkRetries {
			shrinks = cfg.MaxShrinkRetries
			set.Stats.ValidationFailures = append(set.Stats.ValidationFailures,
				fmt.Sprintf("height unstable beyond %d retries", cfg.MaxShrinkRetries))
		}
		for i := 0; i < shrinks; i++ {
			window = window * 3 / 4
		}
		if window < 2*cfg.Overlap {
			window = 2 * cfg.Overlap
		}
		set.Stats.ShrinkEvents = shrinks
	}

	canvas, err := compose(sweep)
	if err != nil {
		return nil, err
	}

	height := sweep.FinalHeight()
	if covered := canvas.Bounds().Dy(); height > covered {
		// The page grew past the swept extent; tile what was captured.
		set.Stats.ValidationFailures = append(set.Stats.ValidationFailures,
			fmt.Sprintf("document height %d exceeds swept extent %d", height, covered))
		height = covered
	}
	set.Stats.DocumentHeight = height
	set.Stats.WindowHeight = window

	if sweep.ViewportWidth > cfg.MaxLongSide {
		set.Stats.ValidationFailures = append(set.Stats.ValidationFailures,
			fmt.Sprintf("viewport width %d exceeds max long side %d", sweep.ViewportWidth, cfg.MaxLongSide))
	}

	spans := plan(height, window, cfg.Overlap)
	set.Stats.SweepCount = len(spans)
	set.Tiles = make([]Tile, 0, len(spans))
	for i, sp := range spans {
		sub := canvas.SubImage(image.Rect(0, sp.start, canvas.Bounds().Dx(), sp.end))
		var buf bytes.Buffer
		if err := png.Encode(&buf, sub); err != nil {
			return nil, fmt.Errorf("tiler: encode tile %d: %w", i, err)
		}
		raw := buf.Bytes()
		sum := blake2b.Sum256(raw)
		set.Tiles = append(set.Tiles, Tile{
			ID:     hex.EncodeToString(sum[:]),
			Index:  i,
			StartY: sp.start,
			EndY:   sp.end,
			Width:  canvas.Bounds().Dx(),
			Height: sp.end - sp.start,
			PNG:    raw,
		})
	}

	if err := verifyOverlaps(set); err != nil {
		return nil, err
	}
	set.Stats.OverlapMatchRatio = 1
	if set.Stats.OverlapPairs > 0 {
		set.Stats.OverlapMatchRatio = float64(set.Stats.OverlapMatches) / float64(set.Stats.OverlapPairs)
	}
	validate(set)
	return set, nil
}

// verifyOverlaps decodes the encoded tiles and hashes the shared band of
// every consecutive pair from both sides: the bottom of the upper tile and
// the top of the lower one. Disagreement means the cut geometry is broken,
// so it is recorded rather than silently carried into stitching.
func verifyOverlaps(set *Set) error {
	for i := 1; i < len(set.Tiles); i++ {
		prev, cur := &set.Tiles[i-1], &set.Tiles[i]
		rows := prev.EndY - cur.StartY
		if rows <= 0 {
			continue
		}
		set.Stats.OverlapPairs++
		upper, err := tileBandHash(prev.PNG, prev.Height-rows, prev.Height)
		if err != nil {
			return fmt.Errorf("tiler: verify tile %d: %w", i-1, err)
		}
		lower, err := tileBandHash(cur.PNG, 0, rows)
		if err != nil {
			return fmt.Errorf("tiler: verify tile %d: %w", i, err)
		}
		if upper == lower {
			set.Stats.OverlapMatches++
		}
	}
	return nil
}

func tileBandHash(pngBytes []byte, top, bottom int) (string, error) {
	img, err := png.Decode(bytes.NewReader(pngBytes))
	if err != nil {
		return "", err
	}
	h, _ := blake2b.New256(nil)
	b := img.Bounds()
	px := make([]byte, 8)
	for y := b.Min.Y + top; y < b.Min.Y+bottom; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, a := img.At(x, y).RGBA()
			px[0], px[1] = byte(r>>8), byte(r)
			px[2], px[3] = byte(g>>8), byte(g)
			px[4], px[5] = byte(bl>>8), byte(bl)
			px[6], px[7] = byte(a>>8), byte(a)
			h.Write(px)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// validate checks the geometric invariants: contiguous coverage from 0 to
// the document height and a positive overlap between every pair. Failures
// degrade the set instead of failing the job.
func validate(set *Set) {
	tiles := set.Tiles
	if len(tiles) == 0 {
		set.Stats.ValidationFailures = append(set.Stats.ValidationFailures, "no tiles produced")
		return
	}
	if tiles[0].StartY != 0 {
		set.Stats.ValidationFailures = append(set.Stats.ValidationFailures,
			fmt.Sprintf("first tile starts at %d", tiles[0].StartY))
	}
	if last := tiles[len(tiles)-1]; last.EndY != set.Stats.DocumentHeight {
		set.Stats.ValidationFailures = append(set.Stats.ValidationFailures,
			fmt.Sprintf("last tile ends at %d, document height %d", last.EndY, set.Stats.DocumentHeight))
	}
	for i := 1; i < len(tiles); i++ {
		if tiles[i].StartY >= tiles[i-1].EndY {
			set.Stats.ValidationFailures = append(set.Stats.ValidationFailures,
				fmt.Sprintf("tiles %d and %d do not overlap", i-1, i))
		}
	}
	for _, t := range tiles {
		if t.Height <= 0 || t.Width <= 0 {
			set.Stats.ValidationFailures = append(set.Stats.ValidationFailures,
				fmt.Sprintf("tile %d has empty dimensions", t.Index))
		}
	}
}

func distinctHeights(heights []int) int {
	seen := make(map[int]struct{}, len(heights))
	for _, h := range heights {
		seen[h] = struct{}{}
	}
	return len(seen)
}
