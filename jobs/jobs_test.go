package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/mdwb/capture"
	"github.com/hazyhaar/mdwb/dbopen"
	"github.com/hazyhaar/mdwb/eventlog"
	"github.com/hazyhaar/mdwb/ocr"
	"github.com/hazyhaar/mdwb/store"
	"github.com/hazyhaar/mdwb/tiler"
	_ "modernc.org/sqlite"
)

const pageHTML = `<html><body>
<h1>Release Notes</h1>
<p>Version two ships incremental sync and a faster cache.</p>
<a href="/docs">Documentation</a>
</body></html>`

func newTestManager(t *testing.T, driver capture.Driver, notifier *Notifier, cfg Config) (*Manager, *store.Store) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	st, err := store.New(db, t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	events, err := eventlog.New(db)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	disp := ocr.NewDispatcher(nil, ocr.Config{Logger: cfg.Logger})
	m := New(driver, disp, st, events, nil, nil, notifier, cfg)
	return m, st
}

func waitTerminal(t *testing.T, m *Manager, id string) Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := m.awaitTerminal(ctx, id)
	if err != nil {
		t.Fatalf("job %s never finished: %v (state %s)", id, err, snap.State)
	}
	return snap
}

func TestSubmitRunsToDone(t *testing.T) {
	// WHAT: A submission against the deterministic driver runs the whole
	// pipeline and persists markdown, manifest, and tiles.
	// WHY: This is the end-to-end happy path every surface builds on.
	driver := &capture.FakeDriver{PageHeight: 4200, DOMHTML: pageHTML}
	m, _ := newTestManager(t, driver, nil, Config{})

	snap, err := m.Submit(context.Background(), Request{URL: "https://example.com/notes"})
	if err != nil {
		t.Fatal(err)
	}
	done := waitTerminal(t, m, snap.ID)
	if done.State != StateDone {
		t.Fatalf("state: %s (error %q)", done.State, done.Error)
	}

	rec, err := m.Record(context.Background(), snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Manifest.OCR.FallbackTiles == 0 {
		t.Error("fallback-only run should count fallback tiles")
	}
	if len(rec.Manifest.Tiles) == 0 {
		t.Error("manifest lists no tiles")
	}
	md, err := m.Markdown(context.Background(), snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(md), "Release Notes") {
		t.Errorf("markdown missing heading:\n%s", md)
	}
	if !strings.Contains(string(md), "## Links") {
		t.Error("markdown missing links appendix")
	}

	// State events were recorded in order.
	events, err := m.Events().Since(context.Background(), snap.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	var states []string
	for _, e := range events {
		if e.Type == "state" {
			states = append(states, string(e.Payload))
		}
	}
	if len(states) < 3 {
		t.Errorf("expected staged state events, got %d", len(states))
	}
	last := states[len(states)-1]
	if !strings.Contains(last, "DONE") {
		t.Errorf("last state event: %s", last)
	}
}

func TestSubmitJoinsInflightFingerprint(t *testing.T) {
	// WHAT: A second submission with the same effective request returns the
	// running job instead of starting a duplicate.
	// WHY: Identical captures racing each other waste a browser and collide
	// on the same artifact directory.
	driver := &capture.FakeDriver{PageHeight: 4200, DOMHTML: pageHTML, Delay: 50 * time.Millisecond}
	m, _ := newTestManager(t, driver, nil, Config{})

	a, err := m.Submit(context.Background(), Request{URL: "https://example.com/notes"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Submit(context.Background(), Request{URL: "https://example.com/notes"})
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Errorf("expected join: %s vs %s", a.ID, b.ID)
	}
	waitTerminal(t, m, a.ID)
}

func TestSubmitValidation(t *testing.T) {
	// WHAT: Bad URLs, out-of-range viewports, and unknown policies are
	// rejected before any job exists.
	m, _ := newTestManager(t, &capture.FakeDriver{}, nil, Config{})

	cases := []Request{
		{URL: "ftp://example.com/x"},
		{URL: "not a url"},
		{URL: "https://example.com", Capture: capture.Config{ViewportWidth: 100}},
		{URL: "https://example.com", Capture: capture.Config{ViewportHeight: 99999}},
		{URL: "https://example.com", Capture: capture.Config{DPR: 9}},
		{URL: "https://example.com", OCRPolicy: "guess"},
		{URL: "https://example.com", ProfileID: "smartwatch"},
	}
	for _, req := range cases {
		if _, err := m.Submit(context.Background(), req); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("request %+v: got %v, want ErrInvalidConfig", req, err)
		}
	}
	if len(m.List()) != 0 {
		t.Errorf("rejected submissions created jobs: %v", m.List())
	}
}

func TestSubmitProfilePreset(t *testing.T) {
	// WHAT: A profile id sets the capture geometry, explicit fields override
	// it, and different profiles fingerprint differently.
	driver := &capture.FakeDriver{PageHeight: 4200, DOMHTML: pageHTML}
	m, _ := newTestManager(t, driver, nil, Config{})

	a, err := m.Submit(context.Background(), Request{URL: "https://example.com/p", ProfileID: "mobile"})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, m, a.ID)
	rec, err := m.Record(context.Background(), a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Manifest.Viewport.Width != 390 || rec.Manifest.Viewport.DPR != 3 {
		t.Errorf("viewport: %+v", rec.Manifest.Viewport)
	}

	b, err := m.Submit(context.Background(), Request{URL: "https://example.com/p", ProfileID: "desktop"})
	if err != nil {
		t.Fatal(err)
	}
	if b.Fingerprint == a.Fingerprint {
		t.Error("profiles should fingerprint differently")
	}
	waitTerminal(t, m, b.ID)

	c, err := m.Submit(context.Background(), Request{
		URL: "https://example.com/p", ProfileID: "mobile",
		Capture: capture.Config{ViewportWidth: 800},
	})
	if err != nil {
		t.Fatal(err)
	}
	done := waitTerminal(t, m, c.ID)
	if done.State != StateDone {
		t.Fatalf("state: %s (error %q)", done.State, done.Error)
	}
	rec, err = m.Record(context.Background(), c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Manifest.Viewport.Width != 800 {
		t.Errorf("explicit width not honored: %+v", rec.Manifest.Viewport)
	}
	m.Wait()
}

func TestCancelMidPipeline(t *testing.T) {
	// WHAT: Cancelling a running job lands it in CANCELLED, and cancelling
	// again reports the terminal state.
	driver := &capture.FakeDriver{PageHeight: 40000, DOMHTML: pageHTML, Delay: 100 * time.Millisecond}
	m, _ := newTestManager(t, driver, nil, Config{})

	snap, err := m.Submit(context.Background(), Request{URL: "https://example.com/long"})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := m.Cancel(snap.ID); err != nil {
		t.Fatal(err)
	}
	done := waitTerminal(t, m, snap.ID)
	if done.State != StateCancelled {
		t.Errorf("state: %s", done.State)
	}
	m.Wait()
	if err := m.Cancel(snap.ID); !errors.Is(err, ErrTerminal) {
		t.Errorf("cancel terminal: got %v, want ErrTerminal", err)
	}
}

// pausingOCRClient recognises one tile per delay, so a cancellation can land
// between tiles.
type pausingOCRClient struct {
	delay time.Duration
}

func (c *pausingOCRClient) Recognize(ctx context.Context, tile tiler.Tile) (ocr.Recognition, error) {
	select {
	case <-ctx.Done():
		return ocr.Recognition{}, ctx.Err()
	case <-time.After(c.delay):
	}
	return ocr.Recognition{Text: "recognised " + tile.ID[:8], Confidence: 0.9}, nil
}

func TestCancelMidOCRPersistsCompletedResults(t *testing.T) {
	// WHAT: Cancelling during the OCR stage lands in CANCELLED with the
	// already-recognised tiles persisted in the partial record.
	// WHY: Minutes of recognition work must survive a cancellation; the
	// partial record is what makes the abort inspectable.
	driver := &capture.FakeDriver{PageHeight: 16000, DOMHTML: pageHTML}
	db := dbopen.OpenMemory(t)
	st, err := store.New(db, t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	events, err := eventlog.New(db)
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	disp := ocr.NewDispatcher(&pausingOCRClient{delay: 50 * time.Millisecond}, ocr.Config{
		Logger: logger, MaxConcurrency: 1, MaxAttempts: 1, RatePerSecond: 1000,
	})
	m := New(driver, disp, st, events, nil, nil, nil, Config{Logger: logger})

	snap, err := m.Submit(context.Background(), Request{URL: "https://example.com/long"})
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		cur, err := m.Get(snap.ID)
		if err != nil {
			t.Fatal(err)
		}
		if cur.State == StateOCR {
			break
		}
		if cur.State.Terminal() || time.Now().After(deadline) {
			t.Fatalf("job never reached OCR: state %s", cur.State)
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(120 * time.Millisecond) // let a couple of tiles finish
	if err := m.Cancel(snap.ID); err != nil {
		t.Fatal(err)
	}
	done := waitTerminal(t, m, snap.ID)
	if done.State != StateCancelled {
		t.Fatalf("state: %s (error %q)", done.State, done.Error)
	}
	m.Wait()

	rec, err := st.Get(context.Background(), snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != string(StateCancelled) {
		t.Errorf("persisted state: %q", rec.State)
	}
	results, err := st.LoadResults(rec)
	if err != nil {
		t.Fatalf("completed results missing from partial record: %v", err)
	}
	found := false
	for _, r := range results {
		if !r.Fallback && !r.Failed && r.Text != "" {
			found = true
		}
	}
	if !found {
		t.Errorf("no completed recognition in %d persisted results", len(results))
	}
}

func TestUnstableLayoutWarns(t *testing.T) {
	// WHAT: A page that keeps growing during the sweep finishes with the
	// tiling_degraded warning aggregated on the job, and the job gets one
	// journal record carrying its sweep stats.
	// WHY: Degraded output must be visible in the snapshot and in the
	// long-term journal, not just logged.
	driver := &capture.FakeDriver{PageHeight: 5000, GrowBy: 500, DOMHTML: pageHTML}
	m, _ := newTestManager(t, driver, nil, Config{})
	journal, err := eventlog.OpenJournal(filepath.Join(t.TempDir(), "warnings.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer journal.Close()
	m.journal = journal

	snap, err := m.Submit(context.Background(), Request{URL: "https://example.com/live"})
	if err != nil {
		t.Fatal(err)
	}
	done := waitTerminal(t, m, snap.ID)
	if done.State != StateDone {
		t.Fatalf("state: %s (error %q)", done.State, done.Error)
	}
	found := false
	for _, w := range done.Warnings {
		if w.Code == "tiling_degraded" {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings: %+v", done.Warnings)
	}
	m.Wait()

	records, err := journal.Read()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("journal records: got %d, want 1", len(records))
	}
	rec := records[0]
	if rec.JobID != snap.ID || rec.URL != "https://example.com/live" {
		t.Errorf("record: %+v", rec)
	}
	if len(rec.Warnings) == 0 || rec.SweepStats.ShrinkEvents == 0 {
		t.Errorf("record detail: %+v", rec)
	}
}

func TestLinkDeltasKeyedByFingerprint(t *testing.T) {
	// WHAT: Link deltas compare against the prior run of the same effective
	// request, so a first capture under a new profile carries no delta flags
	// while a repeat of the same profile marks links unchanged.
	// WHY: Two profiles render the same URL differently; diffing across them
	// would report phantom changes.
	driver := &capture.FakeDriver{PageHeight: 4200, DOMHTML: pageHTML}
	m, st := newTestManager(t, driver, nil, Config{})
	ctx := context.Background()

	a, err := m.Submit(ctx, Request{URL: "https://example.com/notes", ProfileID: "desktop"})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, m, a.ID)
	m.Wait()

	b, err := m.Submit(ctx, Request{URL: "https://example.com/notes", ProfileID: "mobile"})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, m, b.ID)
	m.Wait()
	rec, err := st.Get(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	bLinks, err := st.LoadLinks(rec)
	if err != nil {
		t.Fatal(err)
	}
	for _, l := range bLinks {
		if l.Delta != "" {
			t.Errorf("first mobile capture flagged %q as %q", l.URL, l.Delta)
		}
	}

	c, err := m.Submit(ctx, Request{URL: "https://example.com/notes", ProfileID: "desktop", Force: true})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, m, c.ID)
	m.Wait()
	rec, err = st.Get(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	cLinks, err := st.LoadLinks(rec)
	if err != nil {
		t.Fatal(err)
	}
	if len(cLinks) == 0 {
		t.Fatal("no links persisted")
	}
	for _, l := range cLinks {
		if l.Delta != "unchanged" {
			t.Errorf("repeat desktop capture flagged %q as %q, want unchanged", l.URL, l.Delta)
		}
	}
}

func TestReuseServesPriorRun(t *testing.T) {
	// WHAT: A second submission after completion is answered from the store
	// with ReusedFrom pointing at the original, and Force bypasses reuse.
	driver := &capture.FakeDriver{PageHeight: 4200, DOMHTML: pageHTML}
	m, _ := newTestManager(t, driver, nil, Config{})

	first, err := m.Submit(context.Background(), Request{URL: "https://example.com/notes"})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, m, first.ID)
	m.Wait()

	second, err := m.Submit(context.Background(), Request{URL: "https://example.com/notes"})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID == first.ID {
		t.Fatal("finished job should not be joined")
	}
	done := waitTerminal(t, m, second.ID)
	if done.State != StateDone || done.ReusedFrom != first.ID {
		t.Errorf("state %s, reused_from %q (want %q)", done.State, done.ReusedFrom, first.ID)
	}
	// The reused job resolves to the original run's record.
	rec, err := m.Record(context.Background(), second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.JobID != first.ID {
		t.Errorf("record job: %q", rec.JobID)
	}

	forced, err := m.Submit(context.Background(), Request{URL: "https://example.com/notes", Force: true})
	if err != nil {
		t.Fatal(err)
	}
	done = waitTerminal(t, m, forced.ID)
	if done.ReusedFrom != "" {
		t.Errorf("forced run reused %q", done.ReusedFrom)
	}
}

func TestReplayRebuildsDocument(t *testing.T) {
	// WHAT: Replay reproduces the stored markdown from persisted tiles and
	// results, and honors a provenance override.
	driver := &capture.FakeDriver{PageHeight: 4200, DOMHTML: pageHTML}
	m, _ := newTestManager(t, driver, nil, Config{})

	snap, err := m.Submit(context.Background(), Request{URL: "https://example.com/notes"})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, m, snap.ID)
	m.Wait()

	doc, err := m.Replay(context.Background(), snap.ID, ReplayOptions{})
	if err != nil {
		t.Fatal(err)
	}
	md, err := m.Markdown(context.Background(), snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Markdown != string(md) {
		t.Error("replay output differs from stored markdown")
	}

	withProv, err := m.Replay(context.Background(), snap.ID, ReplayOptions{Provenance: true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(withProv.Markdown, "<!-- tile:0 -->") {
		t.Error("provenance replay missing tile markers")
	}
}

func TestFailedNavigationPersistsPartialRecord(t *testing.T) {
	// WHAT: A navigation failure lands in FAILED with the error on the
	// snapshot and a partial manifest in the store.
	// WHY: Failures must be inspectable after the process restarts.
	driver := &capture.FakeDriver{NavigateErr: errors.New("dns lookup failed")}
	m, st := newTestManager(t, driver, nil, Config{})

	snap, err := m.Submit(context.Background(), Request{URL: "https://nxdomain.example/"})
	if err != nil {
		t.Fatal(err)
	}
	done := waitTerminal(t, m, snap.ID)
	if done.State != StateFailed {
		t.Fatalf("state: %s", done.State)
	}
	if !strings.Contains(done.Error, "dns lookup failed") {
		t.Errorf("error: %q", done.Error)
	}
	m.Wait()

	rec, err := st.Get(context.Background(), snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != string(StateFailed) {
		t.Errorf("persisted state: %q", rec.State)
	}
}
