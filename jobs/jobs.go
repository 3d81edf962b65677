// CLAUDE:SUMMARY Job manager: fingerprinted submission with in-flight dedup, staged pipeline execution, cancellation, warnings, persistence.
// Package jobs orchestrates the capture pipeline: submission, the state
// machine, fingerprint-based dedup and reuse, stage execution, warning
// aggregation, persistence, and completion delivery.
package jobs

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/hazyhaar/mdwb/capture"
	"github.com/hazyhaar/mdwb/eventlog"
	"github.com/hazyhaar/mdwb/idgen"
	"github.com/hazyhaar/mdwb/links"
	"github.com/hazyhaar/mdwb/ocr"
	"github.com/hazyhaar/mdwb/stitch"
	"github.com/hazyhaar/mdwb/store"
	"github.com/hazyhaar/mdwb/tiler"
	"github.com/hazyhaar/mdwb/vecindex"
)

var (
	// ErrInvalidConfig rejects a submission before a job is created.
	ErrInvalidConfig = errors.New("jobs: invalid configuration")
	// ErrNotFound means no job with that id exists in this instance.
	ErrNotFound = errors.New("jobs: job not found")
	// ErrTerminal means the job already reached a terminal state.
	ErrTerminal = errors.New("jobs: job already terminal")
)

// Request is one capture submission.
type Request struct {
	URL     string         `json:"url"`
	Capture capture.Config `json:"capture"`

	// ProfileID names a capture preset (desktop, tablet, mobile). Explicit
	// Capture fields override the preset.
	ProfileID string `json:"profile_id,omitempty"`

	// OCRPolicy overrides the configured fallback policy for this job.
	OCRPolicy string `json:"ocr_policy,omitempty"`

	// MaxAge overrides the reuse freshness window. 0 = instance default;
	// Force disables reuse entirely.
	MaxAge time.Duration `json:"max_age,omitempty"`
	Force  bool          `json:"force,omitempty"`

	// Provenance adds tile markers to the output document.
	Provenance bool `json:"provenance,omitempty"`
}

// Job is an externally visible snapshot.
type Job struct {
	ID          string                  `json:"id"`
	URL         string                  `json:"url"`
	Fingerprint string                  `json:"fingerprint"`
	State       State                   `json:"state"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
	Error       string                  `json:"error,omitempty"`
	Warnings    []store.WarningSummary  `json:"warnings,omitempty"`
	ReusedFrom  string                  `json:"reused_from,omitempty"`
}

// Config tunes the manager. Zero values take production defaults.
type Config struct {
	Capture capture.Config
	Tiler   tiler.Config
	Stitch  stitch.Config

	// ReuseMaxAge is the default freshness window for serving a prior run
	// of the same fingerprint. Default: 1h. Negative disables reuse.
	ReuseMaxAge time.Duration

	// OCRModel is recorded in manifests.
	OCRModel string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.ReuseMaxAge == 0 {
		c.ReuseMaxAge = time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager runs jobs.
type Manager struct {
	cfg        Config
	driver     capture.Driver
	dispatcher *ocr.Dispatcher
	store      *store.Store
	events     *eventlog.Log
	journal    *eventlog.Journal
	vecs       *vecindex.Index
	notifier   *Notifier
	newID      idgen.Generator
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	jobs     map[string]*job
	inflight map[string]string // fingerprint -> active job id
	wg       sync.WaitGroup
}

type job struct {
	mu       sync.Mutex
	snap     Job
	cancel   context.CancelFunc
	warnings map[string]*store.WarningSummary
}

// New creates a Manager. journal, vecs, and notifier may be nil.
func New(driver capture.Driver, dispatcher *ocr.Dispatcher, st *store.Store, events *eventlog.Log,
	journal *eventlog.Journal, vecs *vecindex.Index, notifier *Notifier, cfg Config) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:        cfg,
		driver:     driver,
		dispatcher: dispatcher,
		store:      st,
		events:     events,
		journal:    journal,
		vecs:       vecs,
		notifier:   notifier,
		newID:      idgen.Default,
		logger:     cfg.Logger,
		now:        time.Now,
		jobs:       make(map[string]*job),
		inflight:   make(map[string]string),
	}
}

// Submit validates the request and starts (or joins) a job. When a job with
// the same fingerprint is already running, its snapshot is returned instead
// of starting a duplicate.
func (m *Manager) Submit(ctx context.Context, req Request) (Job, error) {
	eff, err := m.effective(req)
	if err != nil {
		return Job{}, err
	}
	fp := fingerprint(eff)

	m.mu.Lock()
	if id, ok := m.inflight[fp]; ok {
		if existing := m.jobs[id]; existing != nil {
			snap := existing.snapshot()
			if !snap.State.Terminal() {
				m.mu.Unlock()
				m.logger.Info("jobs: joined in-flight job", "job", snap.ID, "fingerprint", fp)
				return snap, nil
			}
		}
	}

	id := m.newID()
	now := m.now().UTC()
	runCtx, cancel := context.WithCancel(context.Background())
	j := &job{
		snap: Job{
			ID: id, URL: eff.URL, Fingerprint: fp,
			State: StateQueued, CreatedAt: now, UpdatedAt: now,
		},
		cancel:   cancel,
		warnings: make(map[string]*store.WarningSummary),
	}
	m.jobs[id] = j
	m.inflight[fp] = id
	m.wg.Add(1)
	m.mu.Unlock()

	m.appendEvent(id, "state", map[string]any{"state": StateQueued})
	m.logger.Info("jobs: submitted", "job", id, "url", eff.URL, "fingerprint", fp)

	go func() {
		defer m.wg.Done()
		defer cancel()
		m.run(runCtx, j, eff)
		m.mu.Lock()
		if m.inflight[fp] == id {
			delete(m.inflight, fp)
		}
		m.mu.Unlock()
	}()
	return j.snapshot(), nil
}

// Get returns a job snapshot without blocking on pipeline work.
func (m *Manager) Get(id string) (Job, error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return Job{}, ErrNotFound
	}
	return j.snapshot(), nil
}

// List returns snapshots of all jobs known to this instance, newest first.
func (m *Manager) List() []Job {
	m.mu.Lock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.snapshot())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out
}

// Cancel requests cancellation. The pipeline observes it at the next stage
// boundary (or inside a blocking call) and lands in CANCELLED.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if j.snapshot().State.Terminal() {
		return ErrTerminal
	}
	j.cancel()
	m.logger.Info("jobs: cancellation requested", "job", id)
	return nil
}

// Record resolves the persisted run backing a job: its own run, or the run
// it reused.
func (m *Manager) Record(ctx context.Context, id string) (*store.Record, error) {
	rec, err := m.store.Get(ctx, id)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	snap, jerr := m.Get(id)
	if jerr != nil || snap.ReusedFrom == "" {
		return nil, store.ErrNotFound
	}
	return m.store.Get(ctx, snap.ReusedFrom)
}

// Wait blocks until all running jobs finish. For shutdown.
func (m *Manager) Wait() { m.wg.Wait() }

// awaitTerminal polls until the job reaches a terminal state or the context
// expires.
func (m *Manager) awaitTerminal(ctx context.Context, id string) (Job, error) {
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		snap, err := m.Get(id)
		if err != nil {
			return Job{}, err
		}
		if snap.State.Terminal() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-tick.C:
		}
	}
}

// Markdown returns the stitched document of a finished job.
func (m *Manager) Markdown(ctx context.Context, id string) ([]byte, error) {
	rec, err := m.Record(ctx, id)
	if err != nil {
		return nil, err
	}
	f, err := m.store.OpenArtifact(rec, store.ArtifactMarkdown)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// effective merges instance defaults into the request and validates it.
type effectiveRequest struct {
	URL        string
	Capture    capture.Config
	Tiler      tiler.Config
	Policy     string
	MaxAge     time.Duration
	Force      bool
	Provenance bool
}

func (m *Manager) effective(req Request) (effectiveRequest, error) {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return effectiveRequest{}, fmt.Errorf("%w: url %q", ErrInvalidConfig, req.URL)
	}
	u.Fragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	base := m.cfg.Capture
	if req.ProfileID != "" {
		p, ok := capture.Profile(req.ProfileID)
		if !ok {
			return effectiveRequest{}, fmt.Errorf("%w: profile %q", ErrInvalidConfig, req.ProfileID)
		}
		base = p
	}
	cc := req.Capture
	if cc.ViewportWidth == 0 {
		cc.ViewportWidth = base.ViewportWidth
	}
	if cc.ViewportHeight == 0 {
		cc.ViewportHeight = base.ViewportHeight
	}
	if cc.DPR == 0 {
		cc.DPR = base.DPR
	}
	if req.ProfileID != "" && !cc.ReducedMotion {
		cc.ReducedMotion = base.ReducedMotion
	}
	if len(cc.Blocklist) == 0 {
		cc.Blocklist = m.cfg.Capture.Blocklist
	}
	cc.Defaults()

	if cc.ViewportWidth < 320 || cc.ViewportWidth > 3840 {
		return effectiveRequest{}, fmt.Errorf("%w: viewport width %d", ErrInvalidConfig, cc.ViewportWidth)
	}
	if cc.ViewportHeight < 480 || cc.ViewportHeight > 10000 {
		return effectiveRequest{}, fmt.Errorf("%w: viewport height %d", ErrInvalidConfig, cc.ViewportHeight)
	}
	if cc.DPR < 0.5 || cc.DPR > 3 {
		return effectiveRequest{}, fmt.Errorf("%w: dpr %v", ErrInvalidConfig, cc.DPR)
	}
	switch req.OCRPolicy {
	case "", ocr.PolicySubstitute, ocr.PolicyFailTile:
	default:
		return effectiveRequest{}, fmt.Errorf("%w: ocr policy %q", ErrInvalidConfig, req.OCRPolicy)
	}

	maxAge := req.MaxAge
	if maxAge == 0 {
		maxAge = m.cfg.ReuseMaxAge
	}
	return effectiveRequest{
		URL:        u.String(),
		Capture:    cc,
		Tiler:      m.cfg.Tiler,
		Policy:     req.OCRPolicy,
		MaxAge:     maxAge,
		Force:      req.Force,
		Provenance: req.Provenance,
	}, nil
}

// fingerprint derives the content address of a request: canonical URL plus
// every knob that changes rendered pixels or stitching behaviour.
func fingerprint(eff effectiveRequest) string {
	payload, _ := json.Marshal(map[string]any{
		"url":      eff.URL,
		"viewport": [2]int{eff.Capture.ViewportWidth, eff.Capture.ViewportHeight},
		"dpr":      eff.Capture.DPR,
		"motion":   eff.Capture.ReducedMotion,
		"block":    eff.Capture.Blocklist,
		"overlap":  eff.Tiler.Overlap,
		"window":   eff.Tiler.TileHeight,
		"policy":   eff.Policy,
	})
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func (j *job) snapshot() Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	snap := j.snap
	snap.Warnings = warningList(j.warnings)
	return snap
}

func warningList(m map[string]*store.WarningSummary) []store.WarningSummary {
	if len(m) == 0 {
		return nil
	}
	out := make([]store.WarningSummary, 0, len(m))
	for _, w := range m {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Code < out[k].Code })
	return out
}

func (m *Manager) appendEvent(jobID, typ string, payload any) {
	if m.events == nil {
		return
	}
	if _, err := m.events.Append(context.Background(), jobID, typ, payload); err != nil {
		m.logger.Warn("jobs: event append failed", "job", jobID, "type", typ, "error", err)
	}
}

// Events exposes the event log for the HTTP surface.
func (m *Manager) Events() *eventlog.Log { return m.events }

// Store exposes the run store for the HTTP surface.
func (m *Manager) Store() *store.Store { return m.store }

// setState transitions the job, recording an event. Illegal transitions are
// a programming error and are logged, not applied.
func (m *Manager) setState(j *job, to State) bool {
	j.mu.Lock()
	from := j.snap.State
	if !canTransition(from, to) {
		j.mu.Unlock()
		m.logger.Error("jobs: illegal transition", "job", j.snap.ID, "from", from, "to", to)
		return false
	}
	j.snap.State = to
	j.snap.UpdatedAt = m.now().UTC()
	id := j.snap.ID
	j.mu.Unlock()

	m.appendEvent(id, "state", map[string]any{"state": to, "from": from})
	return true
}

// warn aggregates a warning on the job and emits an event. The journal gets
// one aggregated record per job at completion, not one line per warning.
func (m *Manager) warn(j *job, code, message string) {
	j.mu.Lock()
	w, ok := j.warnings[code]
	if !ok {
		w = &store.WarningSummary{Code: code, Message: message}
		if code == "ocr_degraded" && m.dispatcher != nil {
			w.Threshold = m.dispatcher.DegradedThreshold()
		}
		j.warnings[code] = w
	}
	w.Count++
	id := j.snap.ID
	j.mu.Unlock()

	m.appendEvent(id, "warning", map[string]string{"code": code, "message": message})
	m.logger.Warn("jobs: warning", "job", id, "code", code, "message", message)
}

// journalRun writes the job's aggregated warning record. Jobs that finished
// clean are not journaled.
func (m *Manager) journalRun(j *job, pageURL string, sweep *capture.Sweep, set *tiler.Set) {
	if m.journal == nil {
		return
	}
	snap := j.snapshot()
	if len(snap.Warnings) == 0 {
		return
	}
	rec := eventlog.Record{JobID: snap.ID, URL: pageURL}
	for _, w := range snap.Warnings {
		rec.Warnings = append(rec.Warnings, eventlog.WarningEntry{
			Code: w.Code, Count: w.Count, Threshold: w.Threshold, Message: w.Message,
		})
	}
	if sweep != nil {
		rec.BlocklistHits = sweep.BlocklistHits
	}
	if set != nil {
		rec.SweepStats = set.Stats
		rec.ValidationFailures = set.Stats.ValidationFailures
	}
	if err := m.journal.Append(rec); err != nil {
		m.logger.Warn("jobs: journal append failed", "job", snap.ID, "error", err)
	}
}

func (m *Manager) fail(j *job, err error) {
	to := StateFailed
	if errors.Is(err, context.Canceled) {
		to = StateCancelled
	}
	j.mu.Lock()
	j.snap.Error = err.Error()
	j.mu.Unlock()
	m.setState(j, to)
	m.logger.Error("jobs: job ended", "job", j.snap.ID, "state", to, "error", err)
}

// annotateLinks flags each link against the previous successful capture of
// the same fingerprint and returns the delta counts for the manifest. With
// no prior run the links come back unflagged.
func (m *Manager) annotateLinks(ctx context.Context, jobID, fingerprint string, current []links.Link) ([]links.Link, store.LinksInfo) {
	info := store.LinksInfo{Count: len(current), Unchanged: len(current)}
	runs, err := m.store.ListRuns(ctx, fingerprint, 5)
	if err != nil {
		return current, info
	}
	for _, rec := range runs {
		if rec.JobID == jobID || rec.State != string(StateDone) {
			continue
		}
		prev, err := m.store.LoadLinks(rec)
		if err != nil {
			break
		}
		d := links.Diff(current, prev)
		return links.Annotate(current, prev), store.LinksInfo{
			Count: len(current), Added: len(d.Added),
			Removed: len(d.Removed), Unchanged: len(d.Unchanged),
		}
	}
	return current, info
}
