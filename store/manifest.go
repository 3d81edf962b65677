// CLAUDE:SUMMARY Run manifest schema: browser provenance, tile refs, stage stats, warnings, timings, artifact map.
package store

import (
	"time"

	"github.com/hazyhaar/mdwb/stitch"
	"github.com/hazyhaar/mdwb/tiler"
)

// Manifest is the machine-readable description of one run, stored both in
// the run index and as manifest.json inside the artifact tree.
type Manifest struct {
	JobID       string    `json:"job_id"`
	URL         string    `json:"url"`
	Fingerprint string    `json:"fingerprint"`
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at"`

	Browser  BrowserInfo  `json:"browser"`
	Viewport ViewportInfo `json:"viewport"`

	BlocklistHits map[string]int `json:"blocklist_hits,omitempty"`

	SweepStats  tiler.Stats  `json:"sweep_stats"`
	StitchStats stitch.Stats `json:"stitch_stats"`

	Tiles []TileRef `json:"tiles"`

	OCR OCRInfo `json:"ocr"`

	Warnings []WarningSummary `json:"warnings,omitempty"`

	Links LinksInfo `json:"links"`

	// Timings maps stage name to elapsed milliseconds.
	Timings map[string]int64 `json:"timings"`

	// Artifacts maps artifact name to its path relative to the run dir.
	Artifacts map[string]string `json:"artifacts"`

	// ReusedFrom is set when this job returned a prior run's artifacts
	// instead of capturing again.
	ReusedFrom string `json:"reused_from,omitempty"`
}

// BrowserInfo pins the exact render environment of the capture.
type BrowserInfo struct {
	Build         string `json:"build"`
	Channel       string `json:"channel"`
	EngineVersion string `json:"engine_version"`
	StyleHash     string `json:"style_hash"`
}

// ViewportInfo records the capture geometry.
type ViewportInfo struct {
	Width  int     `json:"width"`
	Height int     `json:"height"`
	DPR    float64 `json:"dpr"`
}

// TileRef locates one tile artifact and its geometry.
type TileRef struct {
	ID     string `json:"id"`
	Index  int    `json:"index"`
	StartY int    `json:"start_y"`
	EndY   int    `json:"end_y"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Path   string `json:"path"`
}

// OCRInfo summarises recognition outcomes.
type OCRInfo struct {
	Model         string `json:"model,omitempty"`
	FallbackTiles int    `json:"fallback_tiles"`
	FailedTiles   int    `json:"failed_tiles"`
}

// WarningSummary aggregates one warning code over a run. Threshold is set
// for warnings raised by crossing a configured limit.
type WarningSummary struct {
	Code      string `json:"code"`
	Count     int    `json:"count"`
	Threshold int    `json:"threshold,omitempty"`
	Message   string `json:"message"`
}

// LinksInfo counts the harvested links and the delta against the previous
// capture of the same URL.
type LinksInfo struct {
	Count     int `json:"count"`
	Added     int `json:"added"`
	Removed   int `json:"removed"`
	Unchanged int `json:"unchanged"`
}
