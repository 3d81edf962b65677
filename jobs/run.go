// CLAUDE:SUMMARY Pipeline stage execution for one job: capture, tile, OCR, stitch, persist, notify.
package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/mdwb/capture"
	"github.com/hazyhaar/mdwb/links"
	"github.com/hazyhaar/mdwb/metrics"
	"github.com/hazyhaar/mdwb/ocr"
	"github.com/hazyhaar/mdwb/stitch"
	"github.com/hazyhaar/mdwb/store"
	"github.com/hazyhaar/mdwb/tiler"
)

// run executes the pipeline for one job. It owns the job's terminal state:
// every path out of here lands in DONE, FAILED, or CANCELLED.
func (m *Manager) run(ctx context.Context, j *job, eff effectiveRequest) {
	id := j.snap.ID
	started := m.now()
	timings := make(map[string]int64)
	metrics.JobStarted()
	defer metrics.JobFinished()

	release := m.store.Lock(j.snap.Fingerprint)
	defer release()

	// Conditional reuse: a fresh successful run of the same fingerprint is
	// answered from the store without touching a browser.
	if !eff.Force {
		if rec, err := m.store.LookupByFingerprint(ctx, j.snap.Fingerprint, eff.MaxAge); err == nil {
			j.mu.Lock()
			j.snap.ReusedFrom = rec.JobID
			j.mu.Unlock()
			m.appendEvent(id, "reused", map[string]string{"source_job": rec.JobID})
			m.setState(j, StateDone)
			m.logger.Info("jobs: served from cache", "job", id, "source", rec.JobID)
			m.notify(j, rec.Manifest)
			return
		}
	}

	sweep, set, err := m.captureAndTile(ctx, j, eff, timings)
	if err != nil {
		m.finishFailed(ctx, j, eff, err, timings, set, sweep, nil)
		return
	}

	pageLinks, err := links.Harvest(sweep.DOMSnapshot, eff.URL)
	if err != nil {
		m.warn(j, "links_failed", fmt.Sprintf("link harvest failed: %v", err))
		pageLinks = []links.Link{}
	}
	pageLinks, linkInfo := m.annotateLinks(ctx, id, j.snap.Fingerprint, pageLinks)

	if !m.setState(j, StateOCR) {
		return
	}
	ocrStart := m.now()
	results, err := m.dispatcher.Process(ctx, set.Tiles, m.fallbackFor(j, eff, sweep, set), func(code, msg string) {
		m.warn(j, code, msg)
	})
	timings["ocr"] = m.now().Sub(ocrStart).Milliseconds()
	if err != nil {
		m.finishFailed(ctx, j, eff, err, timings, set, sweep, results)
		return
	}

	if !m.setState(j, StateStitching) {
		return
	}
	stitchStart := m.now()
	stitchCfg := m.cfg.Stitch
	stitchCfg.Provenance = eff.Provenance
	doc, err := stitch.Assemble(set, results, pageLinks, stitchCfg)
	timings["stitch"] = m.now().Sub(stitchStart).Milliseconds()
	if err != nil {
		m.finishFailed(ctx, j, eff, err, timings, set, sweep, results)
		return
	}
	if n := doc.Stats.PairsDiverged; n > 0 {
		m.warn(j, "stitch_divergence", fmt.Sprintf("%d overlap pair(s) diverged; duplicated text cut by proportion", n))
	}

	manifest := m.buildManifest(j, eff, sweep, set, results, doc, timings, started)
	manifest.Links = linkInfo
	run := &store.Run{
		JobID: id, URL: eff.URL, Fingerprint: j.snap.Fingerprint,
		Manifest:    manifest,
		Markdown:    []byte(doc.Markdown),
		Links:       pageLinks,
		Results:     results,
		DOMSnapshot: sweep.DOMSnapshot,
		Tiles:       set.Tiles,
	}
	if err := m.store.Persist(context.Background(), run); err != nil {
		m.finishFailed(ctx, j, eff, fmt.Errorf("persist: %w", err), timings, set, sweep, results)
		return
	}

	if m.vecs != nil {
		if err := m.vecs.IndexSections(context.Background(), id, eff.URL, doc.Sections); err != nil {
			m.warn(j, "index_failed", fmt.Sprintf("section indexing failed: %v", err))
		}
	}

	m.setState(j, StateDone)
	metrics.RecordJob(string(StateDone))
	metrics.ObserveStages(timings)
	metrics.RecordTiles(len(results)-manifest.OCR.FallbackTiles-manifest.OCR.FailedTiles,
		manifest.OCR.FallbackTiles, manifest.OCR.FailedTiles)
	m.journalRun(j, eff.URL, sweep, set)
	m.logger.Info("jobs: done", "job", id, "tiles", len(set.Tiles),
		"fallback_tiles", manifest.OCR.FallbackTiles, "elapsed", m.now().Sub(started))
	m.notify(j, manifest)
}

// captureAndTile runs the browser sweep and the cut, mapping capture phases
// onto job states.
func (m *Manager) captureAndTile(ctx context.Context, j *job, eff effectiveRequest, timings map[string]int64) (*capture.Sweep, *tiler.Set, error) {
	if !m.setState(j, StateNavigating) {
		return nil, nil, context.Canceled
	}
	capStart := m.now()
	sweep, err := m.driver.Navigate(ctx, eff.URL, eff.Capture, func(p capture.Phase) {
		switch p {
		case capture.PhaseScroll:
			m.setState(j, StateScrolling)
		case capture.PhaseCapture:
			m.setState(j, StateCapturing)
		}
	})
	timings["capture"] = m.now().Sub(capStart).Milliseconds()
	if err != nil {
		return nil, nil, fmt.Errorf("capture: %w", err)
	}

	if !m.setState(j, StateTiling) {
		return sweep, nil, context.Canceled
	}
	tileStart := m.now()
	set, err := tiler.Cut(sweep, eff.Tiler)
	timings["tile"] = m.now().Sub(tileStart).Milliseconds()
	if err != nil {
		return sweep, nil, fmt.Errorf("tile: %w", err)
	}
	if set.Degraded() {
		m.warn(j, "tiling_degraded", strings.Join(set.Stats.ValidationFailures, "; "))
	}
	return sweep, set, nil
}

// fallbackFor builds the DOM-derived substitute generator for failed tiles.
// Per-job policy fail-tile suppresses it so failures surface as placeholders.
func (m *Manager) fallbackFor(j *job, eff effectiveRequest, sweep *capture.Sweep, set *tiler.Set) ocr.FallbackFunc {
	if eff.Policy == ocr.PolicyFailTile {
		return nil
	}
	fb, err := ocr.NewDOMFallback(sweep.DOMSnapshot, eff.URL, set.Stats.DocumentHeight)
	if err != nil {
		m.warn(j, "fallback_unavailable", fmt.Sprintf("dom fallback unavailable: %v", err))
		return nil
	}
	return fb
}

func (m *Manager) buildManifest(j *job, eff effectiveRequest, sweep *capture.Sweep, set *tiler.Set,
	results []ocr.Result, doc *stitch.Doc, timings map[string]int64, started time.Time) *store.Manifest {

	fallbackTiles, failedTiles := 0, 0
	for _, r := range results {
		if r.Fallback {
			fallbackTiles++
		}
		if r.Failed {
			failedTiles++
		}
	}

	snap := j.snapshot()
	man := &store.Manifest{
		JobID:       snap.ID,
		URL:         eff.URL,
		Fingerprint: snap.Fingerprint,
		State:       string(StateDone),
		CreatedAt:   snap.CreatedAt,
		CompletedAt: m.now().UTC(),
		Browser: store.BrowserInfo{
			Build:         sweep.BrowserBuild,
			Channel:       sweep.BrowserChannel,
			EngineVersion: sweep.EngineVersion,
			StyleHash:     sweep.StyleHash,
		},
		Viewport: store.ViewportInfo{
			Width:  sweep.ViewportWidth,
			Height: sweep.ViewportHeight,
			DPR:    sweep.DPR,
		},
		BlocklistHits: sweep.BlocklistHits,
		SweepStats:    set.Stats,
		OCR: store.OCRInfo{
			Model:         m.cfg.OCRModel,
			FallbackTiles: fallbackTiles,
			FailedTiles:   failedTiles,
		},
		Warnings: snap.Warnings,
		Timings:  timings,
	}
	if doc != nil {
		man.StitchStats = doc.Stats
	}
	return man
}

// finishFailed lands the job in FAILED or CANCELLED and persists a partial
// manifest so the failure is inspectable after restart. Tiles captured and
// OCR results completed before the failure are kept.
func (m *Manager) finishFailed(ctx context.Context, j *job, eff effectiveRequest, cause error,
	timings map[string]int64, set *tiler.Set, sweep *capture.Sweep, results []ocr.Result) {

	if ctx.Err() != nil {
		cause = context.Canceled
	}
	m.fail(j, cause)
	snap := j.snapshot()
	metrics.RecordJob(string(snap.State))
	metrics.ObserveStages(timings)

	man := &store.Manifest{
		JobID:       snap.ID,
		URL:         eff.URL,
		Fingerprint: snap.Fingerprint,
		State:       string(snap.State),
		CreatedAt:   snap.CreatedAt,
		CompletedAt: m.now().UTC(),
		Warnings:    snap.Warnings,
		Timings:     timings,
	}
	run := &store.Run{
		JobID: snap.ID, URL: eff.URL, Fingerprint: snap.Fingerprint,
		Manifest: man,
	}
	if sweep != nil {
		man.Browser = store.BrowserInfo{
			Build: sweep.BrowserBuild, Channel: sweep.BrowserChannel,
			EngineVersion: sweep.EngineVersion, StyleHash: sweep.StyleHash,
		}
		man.Viewport = store.ViewportInfo{Width: sweep.ViewportWidth, Height: sweep.ViewportHeight, DPR: sweep.DPR}
		man.BlocklistHits = sweep.BlocklistHits
		run.DOMSnapshot = sweep.DOMSnapshot
	}
	if set != nil {
		man.SweepStats = set.Stats
		run.Tiles = set.Tiles
	}
	if completed := completedResults(results); len(completed) > 0 {
		run.Results = completed
	}
	if err := m.store.Persist(context.Background(), run); err != nil {
		m.logger.Warn("jobs: partial persist failed", "job", snap.ID, "error", err)
	}
	m.journalRun(j, eff.URL, sweep, set)
	m.notify(j, man)
}

// completedResults keeps the result slots the dispatcher actually filled.
// A slot whose tile never started has an empty TileID.
func completedResults(results []ocr.Result) []ocr.Result {
	var out []ocr.Result
	for _, r := range results {
		if r.TileID != "" {
			out = append(out, r)
		}
	}
	return out
}
