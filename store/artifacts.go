// CLAUDE:SUMMARY Artifact tree writer: tiles/, out.md, links.json, results.json, sanitised DOM snapshot, manifest.json.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/mdwb/links"
	"github.com/hazyhaar/mdwb/ocr"
	"github.com/hazyhaar/mdwb/tiler"
)

// Artifact names within a run directory.
const (
	ArtifactManifest = "manifest.json"
	ArtifactMarkdown = "out.md"
	ArtifactLinks    = "links.json"
	ArtifactResults  = "results.json"
	ArtifactDOM      = "dom_snapshot.html"
	tilesDir         = "tiles"
)

// Run carries everything Persist writes. Markdown, links, results, and DOM
// may be empty for a failed run; the manifest is always required.
type Run struct {
	JobID       string
	URL         string
	Fingerprint string
	Manifest    *Manifest

	Markdown    []byte
	Links       []links.Link
	Results     []ocr.Result
	DOMSnapshot []byte
	Tiles       []tiler.Tile
}

// domPolicy strips scripts and event handlers from stored snapshots. The
// snapshot is served over HTTP later; persisting live script would make the
// store an XSS vector.
var domPolicy = bluemonday.UGCPolicy()

func writeArtifacts(dir string, run *Run) error {
	if err := os.MkdirAll(filepath.Join(dir, tilesDir), 0o755); err != nil {
		return fmt.Errorf("store: create run dir: %w", err)
	}

	artifacts := map[string]string{ArtifactManifest: ArtifactManifest}

	if len(run.Markdown) > 0 {
		if err := writeFile(dir, ArtifactMarkdown, run.Markdown); err != nil {
			return err
		}
		artifacts[ArtifactMarkdown] = ArtifactMarkdown
	}
	if run.Links != nil {
		data, err := json.MarshalIndent(run.Links, "", "  ")
		if err != nil {
			return fmt.Errorf("store: marshal links: %w", err)
		}
		if err := writeFile(dir, ArtifactLinks, data); err != nil {
			return err
		}
		artifacts[ArtifactLinks] = ArtifactLinks
	}
	if run.Results != nil {
		data, err := json.MarshalIndent(run.Results, "", "  ")
		if err != nil {
			return fmt.Errorf("store: marshal results: %w", err)
		}
		if err := writeFile(dir, ArtifactResults, data); err != nil {
			return err
		}
		artifacts[ArtifactResults] = ArtifactResults
	}
	if len(run.DOMSnapshot) > 0 {
		if err := writeFile(dir, ArtifactDOM, domPolicy.SanitizeBytes(run.DOMSnapshot)); err != nil {
			return err
		}
		artifacts[ArtifactDOM] = ArtifactDOM
	}

	refs := make([]TileRef, 0, len(run.Tiles))
	for _, t := range run.Tiles {
		name := filepath.Join(tilesDir, fmt.Sprintf("%03d_%s.png", t.Index, shortID(t.ID)))
		if err := writeFile(dir, name, t.PNG); err != nil {
			return err
		}
		refs = append(refs, TileRef{
			ID: t.ID, Index: t.Index,
			StartY: t.StartY, EndY: t.EndY,
			Width: t.Width, Height: t.Height,
			Path: name,
		})
	}
	run.Manifest.Tiles = refs
	run.Manifest.Artifacts = artifacts

	data, err := json.MarshalIndent(run.Manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal manifest: %w", err)
	}
	return writeFile(dir, ArtifactManifest, data)
}

func shortID(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}

func writeFile(dir, name string, data []byte) error {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("store: write %s: %w", name, err)
	}
	return nil
}

// OpenArtifact opens a named artifact of an indexed run.
func (s *Store) OpenArtifact(rec *Record, name string) (*os.File, error) {
	rel, ok := rec.Manifest.Artifacts[name]
	if !ok {
		return nil, fmt.Errorf("%w: artifact %s", ErrNotFound, name)
	}
	return os.Open(filepath.Join(rec.Dir, rel))
}

// LoadTiles reconstructs the tile set of a persisted run for replay.
func (s *Store) LoadTiles(rec *Record) (*tiler.Set, error) {
	set := &tiler.Set{Tiles: make([]tiler.Tile, 0, len(rec.Manifest.Tiles))}
	for _, ref := range rec.Manifest.Tiles {
		png, err := os.ReadFile(filepath.Join(rec.Dir, ref.Path))
		if err != nil {
			return nil, fmt.Errorf("store: read tile %d: %w", ref.Index, err)
		}
		set.Tiles = append(set.Tiles, tiler.Tile{
			ID: ref.ID, Index: ref.Index,
			StartY: ref.StartY, EndY: ref.EndY,
			Width: ref.Width, Height: ref.Height,
			PNG: png,
		})
	}
	set.Stats = rec.Manifest.SweepStats
	return set, nil
}

// LoadResults reads back the per-tile OCR results of a persisted run.
func (s *Store) LoadResults(rec *Record) ([]ocr.Result, error) {
	f, err := s.OpenArtifact(rec, ArtifactResults)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var results []ocr.Result
	if err := json.NewDecoder(f).Decode(&results); err != nil {
		return nil, fmt.Errorf("store: decode results: %w", err)
	}
	return results, nil
}

// LoadLinks reads back the harvested links of a persisted run.
func (s *Store) LoadLinks(rec *Record) ([]links.Link, error) {
	f, err := s.OpenArtifact(rec, ArtifactLinks)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []links.Link
	if err := json.NewDecoder(f).Decode(&out); err != nil {
		return nil, fmt.Errorf("store: decode links: %w", err)
	}
	return out, nil
}
