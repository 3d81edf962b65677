package capture

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"time"
)

// FakeDriver is a deterministic in-process Driver for tests and the demo
// mode. Every pixel is a pure function of its absolute document Y, so the
// overlapping regions of consecutive frames are byte-identical — exactly
// what a stable page render produces.
type FakeDriver struct {
	// PageHeight is the simulated document height in CSS pixels.
	PageHeight int

	// GrowBy, when non-zero, is added to the measured height at every
	// frame after the first, simulating an unstable layout.
	GrowBy int

	// DOMHTML is returned as the DOM snapshot.
	DOMHTML string

	// NavigateErr, when set, is returned from Navigate immediately.
	NavigateErr error

	// Delay is an optional per-frame delay, for cancellation tests.
	Delay time.Duration
}

func (d *FakeDriver) Navigate(ctx context.Context, url string, cfg Config, progress ProgressFunc) (*Sweep, error) {
	cfg.Defaults()
	if d.NavigateErr != nil {
		return nil, d.NavigateErr
	}
	if progress != nil {
		progress(PhaseNavigate)
		progress(PhaseScroll)
	}

	sweep := &Sweep{
		URL:            url,
		ViewportWidth:  cfg.ViewportWidth,
		ViewportHeight: cfg.ViewportHeight,
		DPR:            cfg.DPR,
		DOMSnapshot:    []byte(d.DOMHTML),
		BrowserBuild:   "FakeBrowser/1.0",
		BrowserChannel: "test",
		EngineVersion:  "0",
		StyleHash:      StyleHash("fake-agent", cfg, "0"),
		BlocklistHits:  map[string]int{},
	}
	for _, sel := range cfg.Blocklist {
		sweep.BlocklistHits[sel] = 0
	}

	height := d.PageHeight
	if height <= 0 {
		height = cfg.ViewportHeight
	}

	captured := false
	offset := 0
	for i := 0; i < cfg.MaxFrames; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if d.Delay > 0 {
			if err := sleepCtx(ctx, d.Delay); err != nil {
				return nil, err
			}
		}
		if i > 0 {
			height += d.GrowBy
		}
		sweep.Heights = append(sweep.Heights, height)

		// Clamp like a real browser: scrolling stops at height−viewport.
		if max := height - cfg.ViewportHeight; offset > max {
			offset = max
			if offset < 0 {
				offset = 0
			}
		}

		if !captured && progress != nil {
			progress(PhaseCapture)
			captured = true
		}
		frame, err := renderFrame(cfg.ViewportWidth, cfg.ViewportHeight, offset, cfg.DPR)
		if err != nil {
			return nil, err
		}
		sweep.Frames = append(sweep.Frames, Frame{
			Index:      i,
			OffsetY:    offset,
			PNG:        frame,
			CapturedAt: time.Unix(1700000000+int64(i), 0).UTC(),
		})

		next := offset + cfg.ViewportHeight
		if next >= height {
			break
		}
		offset = next
	}
	return sweep, nil
}

// renderFrame paints a viewport whose row colors depend only on the
// absolute document Y, at the requested device pixel ratio.
func renderFrame(width, height, offsetY int, dpr float64) ([]byte, error) {
	if dpr <= 0 {
		dpr = 1
	}
	pw, ph := int(float64(width)*dpr), int(float64(height)*dpr)
	img := image.NewRGBA(image.Rect(0, 0, pw, ph))
	for py := 0; py < ph; py++ {
		docY := offsetY + int(float64(py)/dpr)
		c := color.RGBA{
			R: uint8(docY * 7 % 251),
			G: uint8(docY * 13 % 241),
			B: uint8(docY * 31 % 239),
			A: 255,
		}
		for px := 0; px < pw; px++ {
			img.SetRGBA(px, py, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
