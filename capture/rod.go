// CLAUDE:SUMMARY go-rod capture driver: stealth tab, deterministic viewport, scroll sweep with settle delays, frame screenshots.
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// RodConfig configures the go-rod driver.
type RodConfig struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string

	// Channel names the browser release channel recorded in manifests
	// (e.g. "stable", "headless-shell"). Default: "headless-shell".
	Channel string

	// Stealth applies anti-detection patches to each tab. Default: true
	// via NewRodDriver.
	Stealth bool

	Logger *slog.Logger
}

func (c *RodConfig) defaults() {
	if c.Channel == "" {
		c.Channel = "headless-shell"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RodDriver captures pages with a shared headless Chrome. Tabs are opened
// per Navigate call; the browser process is shared and recycled via Close.
type RodDriver struct {
	cfg RodConfig

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// NewRodDriver creates a driver. Call Start before Navigate.
func NewRodDriver(cfg RodConfig) *RodDriver {
	cfg.defaults()
	cfg.Stealth = true
	return &RodDriver{cfg: cfg}
}

// Start launches Chrome (or connects to RemoteURL).
func (d *RodDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("capture: driver is closed")
	}

	wsURL := d.cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().
			Headless(true).
			Set("disable-blink-features", "AutomationControlled").
			Set("force-device-scale-factor", "1").
			Set("hide-scrollbars")
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("capture: launch: %w", err)
		}
		wsURL = u
		d.lnch = l
		d.cfg.Logger.Info("capture: launched local chrome", "url", wsURL)
	} else {
		d.cfg.Logger.Info("capture: connecting to remote chrome", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("capture: connect: %w", err)
	}
	d.browser = b
	return nil
}

// Close shuts down Chrome.
func (d *RodDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.browser != nil {
		d.browser.Close()
		d.browser = nil
	}
	if d.lnch != nil {
		d.lnch.Cleanup()
		d.lnch = nil
	}
	return nil
}

// Navigate renders the URL and sweeps its scroll extent. The page is
// scrolled in viewport-height steps with a settle delay before each
// screenshot; the measured document height is re-read at every step so the
// tiler can detect layout instability.
func (d *RodDriver) Navigate(ctx context.Context, url string, cfg Config, progress ProgressFunc) (*Sweep, error) {
	cfg.Defaults()
	log := d.cfg.Logger

	d.mu.Lock()
	b := d.browser
	d.mu.Unlock()
	if b == nil {
		return nil, ErrNoBrowser
	}

	var page *rod.Page
	var err error
	if d.cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("capture: create tab: %w", err)
	}
	defer page.Close()

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             cfg.ViewportWidth,
		Height:            cfg.ViewportHeight,
		DeviceScaleFactor: cfg.DPR,
		Mobile:            false,
	}); err != nil {
		return nil, fmt.Errorf("capture: set viewport: %w", err)
	}

	if cfg.ReducedMotion {
		err := proto.EmulationSetEmulatedMedia{
			Features: []*proto.EmulationMediaFeature{
				{Name: "prefers-reduced-motion", Value: "reduce"},
			},
		}.Call(page)
		if err != nil {
			log.Warn("capture: reduced-motion emulation failed", "error", err)
		}
	}

	if progress != nil {
		progress(PhaseNavigate)
	}
	navCtx, cancel := context.WithTimeout(ctx, cfg.NavTimeout)
	defer cancel()
	if err := page.Context(navCtx).Navigate(url); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNavigate, url, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		log.Warn("capture: wait load timeout", "url", url, "error", err)
	}

	hits, err := removeBlocked(ctx, page, cfg.Blocklist)
	if err != nil {
		log.Warn("capture: blocklist removal failed", "url", url, "error", err)
	}

	version, err := b.Version()
	if err != nil {
		return nil, fmt.Errorf("capture: browser version: %w", err)
	}

	sweep := &Sweep{
		URL:            url,
		ViewportWidth:  cfg.ViewportWidth,
		ViewportHeight: cfg.ViewportHeight,
		DPR:            cfg.DPR,
		BrowserBuild:   version.Product,
		BrowserChannel: d.cfg.Channel,
		EngineVersion:  version.Revision,
		StyleHash:      StyleHash(version.UserAgent, cfg, version.Revision),
		BlocklistHits:  hits,
	}

	if progress != nil {
		progress(PhaseScroll)
	}

	// Sweep loop: scroll, settle, measure, capture. The first frame is at
	// offset 0; subsequent offsets advance by one viewport height until the
	// latest measured document height is covered.
	offset := 0
	captured := false
	for i := 0; i < cfg.MaxFrames; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// The browser clamps scrolling at the bottom, so record the actual
		// position: the last frame lands at height−viewport, not at the
		// requested offset.
		res, err := page.Context(ctx).Eval(`(y) => { window.scrollTo(0, y); return window.scrollY; }`, offset)
		if err != nil {
			return nil, fmt.Errorf("capture: scroll to %d: %w", offset, err)
		}
		offset = res.Value.Int()
		if err := sleepCtx(ctx, cfg.SettleDelay); err != nil {
			return nil, err
		}

		height, err := measureHeight(ctx, page)
		if err != nil {
			return nil, err
		}
		sweep.Heights = append(sweep.Heights, height)

		if !captured && progress != nil {
			progress(PhaseCapture)
			captured = true
		}
		png, err := page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
			Format: proto.PageCaptureScreenshotFormatPng,
		})
		if err != nil {
			return nil, fmt.Errorf("capture: screenshot at %d: %w", offset, err)
		}
		sweep.Frames = append(sweep.Frames, Frame{
			Index:      i,
			OffsetY:    offset,
			PNG:        png,
			CapturedAt: time.Now(),
		})

		next := offset + cfg.ViewportHeight
		if next >= height {
			break
		}
		offset = next
	}

	res, err := page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return nil, fmt.Errorf("capture: dom snapshot: %w", err)
	}
	sweep.DOMSnapshot = []byte(res.Value.Str())

	log.Info("capture: sweep complete",
		"url", url,
		"frames", len(sweep.Frames),
		"height", sweep.FinalHeight(),
		"stable", sweep.Stable())
	return sweep, nil
}

func measureHeight(ctx context.Context, page *rod.Page) (int, error) {
	res, err := page.Context(ctx).Eval(`() => document.documentElement.scrollHeight`)
	if err != nil {
		return 0, fmt.Errorf("capture: measure height: %w", err)
	}
	return res.Value.Int(), nil
}

// removeBlocked deletes elements matching each blocklist selector before the
// sweep, returning removal counts per selector. Selector errors are counted
// as zero hits rather than failing the capture.
func removeBlocked(ctx context.Context, page *rod.Page, selectors []string) (map[string]int, error) {
	if len(selectors) == 0 {
		return nil, nil
	}
	res, err := page.Context(ctx).Eval(`(selectors) => {
		const hits = {};
		for (const sel of selectors) {
			let n = 0;
			try {
				for (const el of document.querySelectorAll(sel)) {
					el.remove();
					n++;
				}
			} catch (e) {
				n = 0;
			}
			hits[sel] = n;
		}
		return JSON.stringify(hits);
	}`, selectors)
	if err != nil {
		return nil, err
	}
	hits := make(map[string]int, len(selectors))
	if err := json.Unmarshal([]byte(res.Value.Str()), &hits); err != nil {
		return nil, err
	}
	return hits, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
