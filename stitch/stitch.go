// CLAUDE:SUMMARY Deterministic document assembly: per-pair overlap dedup, divergence tie-break by confidence, provenance, links appendix.
// Package stitch assembles per-tile OCR text into one Markdown document.
// Consecutive tiles share an overlap band; the duplicated text is removed
// once, verified against the pixels whenever possible. Assembly is pure:
// the same tiles, results, and links always produce identical bytes.
package stitch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hazyhaar/mdwb/links"
	"github.com/hazyhaar/mdwb/ocr"
	"github.com/hazyhaar/mdwb/tiler"
)

// ErrMismatch is returned when the result count does not match the tiles.
var ErrMismatch = errors.New("stitch: results do not match tiles")

// Config tunes overlap resolution. Zero values take production defaults.
type Config struct {
	// PixelThreshold is the band similarity above which the overlap is
	// pixel-verified. Default: 0.985.
	PixelThreshold float64

	// TextThreshold is the fuzzy similarity required to trim duplicated
	// text when pixels could not verify the overlap. Default: 0.82.
	TextThreshold float64

	// VerifiedTextThreshold is the laxer similarity used once pixels have
	// already proven the duplication. Default: 0.60.
	VerifiedTextThreshold float64

	// Window bounds how many characters of head/tail are searched for the
	// duplicate. Default: 600.
	Window int

	// Provenance emits a tile marker comment before each contribution.
	Provenance bool
}

func (c *Config) defaults() {
	if c.PixelThreshold <= 0 {
		c.PixelThreshold = 0.985
	}
	if c.TextThreshold <= 0 {
		c.TextThreshold = 0.82
	}
	if c.VerifiedTextThreshold <= 0 {
		c.VerifiedTextThreshold = 0.60
	}
	if c.Window <= 0 {
		c.Window = 600
	}
}

// Stats counts how each overlapping pair was resolved.
type Stats struct {
	PairsPixelVerified int `json:"pairs_pixel_verified"`
	PairsTextMatched   int `json:"pairs_text_matched"`
	PairsDiverged      int `json:"pairs_diverged"`
	FailedTiles        int `json:"failed_tiles"`
}

// Section is a heading-delimited slice of the final document, the unit
// indexed for embeddings search.
type Section struct {
	Heading string `json:"heading"`
	Level   int    `json:"level"`
	Text    string `json:"text"`
}

// Doc is the assembled output.
type Doc struct {
	Markdown string
	Sections []Section
	Stats    Stats
}

// Assemble builds the document. Results must be in tile order, one per tile.
func Assemble(set *tiler.Set, results []ocr.Result, pageLinks []links.Link, cfg Config) (*Doc, error) {
	if len(results) != len(set.Tiles) {
		return nil, fmt.Errorf("%w: %d results for %d tiles", ErrMismatch, len(results), len(set.Tiles))
	}
	cfg.defaults()

	doc := &Doc{}
	texts := make([]string, len(results))
	for i, r := range results {
		if r.Failed {
			doc.Stats.FailedTiles++
			continue
		}
		texts[i] = strings.TrimSpace(r.Text)
	}

	for i := 1; i < len(results); i++ {
		if results[i-1].Failed || results[i].Failed {
			continue
		}
		if err := resolvePair(set, results, texts, i, cfg, &doc.Stats); err != nil {
			return nil, err
		}
	}

	var sb strings.Builder
	for i, r := range results {
		part := texts[i]
		if r.Failed {
			part = fmt.Sprintf("<!-- tile %d unrecoverable -->", r.Index)
		} else if part == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		if cfg.Provenance {
			fmt.Fprintf(&sb, "<!-- tile:%d -->\n", r.Index)
		}
		sb.WriteString(part)
	}
	content := sb.String()
	doc.Sections = sectionize(content)

	if len(pageLinks) > 0 {
		if content != "" {
			sb.WriteString("\n\n")
		}
		sb.WriteString("## Links\n")
		for _, l := range pageLinks {
			text := l.Text
			if text == "" {
				text = l.URL
			}
			fmt.Fprintf(&sb, "\n- [%s](%s)", text, l.URL)
			if l.Delta == "added" {
				sb.WriteString(" (new)")
			}
		}
	}
	sb.WriteString("\n")
	doc.Markdown = sb.String()
	return doc, nil
}

// resolvePair removes the text duplicated across the overlap of tiles i-1
// and i, preferring pixel verification, then fuzzy text matching, and
// finally a confidence-weighted blind cut when the sides disagree.
func resolvePair(set *tiler.Set, results []ocr.Result, texts []string, i int, cfg Config, stats *Stats) error {
	upper, lower := &set.Tiles[i-1], &set.Tiles[i]

	score, err := bandScore(upper, lower)
	if err != nil {
		return fmt.Errorf("stitch: pair %d/%d: %w", i-1, i, err)
	}

	if score >= cfg.PixelThreshold {
		stats.PairsPixelVerified++
		if trimmed, _, ok := trimOverlap(texts[i-1], texts[i], cfg.VerifiedTextThreshold, cfg.Window); ok {
			texts[i] = trimmed
		}
		return nil
	}

	if trimmed, _, ok := trimOverlap(texts[i-1], texts[i], cfg.TextThreshold, cfg.Window); ok {
		stats.PairsTextMatched++
		texts[i] = trimmed
		return nil
	}

	// Divergence: the two renders disagree about the shared band. The
	// higher-confidence side keeps its version; ties keep the earlier tile.
	stats.PairsDiverged++
	overlapRows := upper.EndY - lower.StartY
	if results[i].Confidence > results[i-1].Confidence {
		cut := estimateOverlapChars(upper, overlapRows, len(texts[i-1]))
		at := alignRune(texts[i-1], len(texts[i-1])-cut)
		texts[i-1] = strings.TrimRight(texts[i-1][:at], "\n")
	} else {
		cut := estimateOverlapChars(lower, overlapRows, len(texts[i]))
		at := alignRune(texts[i], cut)
		texts[i] = strings.TrimLeft(texts[i][at:], "\n")
	}
	return nil
}

// sectionize splits the document at ATX headings. Text before the first
// heading becomes an untitled level-0 section.
func sectionize(md string) []Section {
	var sections []Section
	cur := Section{}
	flush := func() {
		cur.Text = strings.TrimSpace(cur.Text)
		if cur.Text != "" || cur.Heading != "" {
			sections = append(sections, cur)
		}
	}
	for _, line := range strings.Split(md, "\n") {
		if level, heading, ok := parseHeading(line); ok {
			flush()
			cur = Section{Heading: heading, Level: level}
			continue
		}
		cur.Text += line + "\n"
	}
	flush()
	return sections
}

func parseHeading(line string) (int, string, bool) {
	trimmed := strings.TrimLeft(line, "#")
	level := len(line) - len(trimmed)
	if level < 1 || level > 6 || !strings.HasPrefix(trimmed, " ") {
		return 0, "", false
	}
	return level, strings.TrimSpace(trimmed), true
}
