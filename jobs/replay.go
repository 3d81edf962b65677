// CLAUDE:SUMMARY Re-stitch a persisted run's tiles and OCR results without re-capturing.
package jobs

import (
	"context"
	"fmt"

	"github.com/hazyhaar/mdwb/stitch"
)

// ReplayOptions tune a replay. The zero value re-stitches with the instance
// defaults.
type ReplayOptions struct {
	// Stitch overrides the stitching configuration entirely when non-nil.
	Stitch *stitch.Config

	// Provenance toggles tile markers in the replayed document.
	Provenance bool
}

// Replay rebuilds the markdown document for a finished job from its stored
// tiles, recognition results, and links. The persisted run is untouched;
// replay exists to try different stitching parameters against the same
// capture.
func (m *Manager) Replay(ctx context.Context, id string, opts ReplayOptions) (*stitch.Doc, error) {
	rec, err := m.Record(ctx, id)
	if err != nil {
		return nil, err
	}

	set, err := m.store.LoadTiles(rec)
	if err != nil {
		return nil, fmt.Errorf("jobs: replay %s: %w", id, err)
	}
	results, err := m.store.LoadResults(rec)
	if err != nil {
		return nil, fmt.Errorf("jobs: replay %s: %w", id, err)
	}
	pageLinks, err := m.store.LoadLinks(rec)
	if err != nil {
		return nil, fmt.Errorf("jobs: replay %s: %w", id, err)
	}

	cfg := m.cfg.Stitch
	if opts.Stitch != nil {
		cfg = *opts.Stitch
	}
	cfg.Provenance = opts.Provenance

	doc, err := stitch.Assemble(set, results, pageLinks, cfg)
	if err != nil {
		return nil, fmt.Errorf("jobs: replay %s: %w", id, err)
	}
	m.logger.Info("jobs: replayed", "job", id, "source", rec.JobID, "tiles", len(set.Tiles))
	return doc, nil
}
