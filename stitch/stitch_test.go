package stitch

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/hazyhaar/mdwb/capture"
	"github.com/hazyhaar/mdwb/links"
	"github.com/hazyhaar/mdwb/ocr"
	"github.com/hazyhaar/mdwb/tiler"
)

// twoTileSet cuts a stable fake capture into exactly two overlapping tiles,
// so their shared band is pixel-identical.
func twoTileSet(t *testing.T) *tiler.Set {
	t.Helper()
	d := &capture.FakeDriver{PageHeight: 3800}
	sweep, err := d.Navigate(context.Background(), "https://example.com", capture.Config{
		ViewportWidth:  400,
		ViewportHeight: 2000,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	set, err := tiler.Cut(sweep, tiler.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if len(set.Tiles) != 2 {
		t.Fatalf("tiles: got %d, want 2", len(set.Tiles))
	}
	return set
}

func okResults(set *tiler.Set, texts ...string) []ocr.Result {
	results := make([]ocr.Result, len(set.Tiles))
	for i := range results {
		results[i] = ocr.Result{
			TileID:     set.Tiles[i].ID,
			Index:      i,
			Text:       texts[i],
			Confidence: 0.9,
		}
	}
	return results
}

func TestAssembleTrimsVerifiedOverlap(t *testing.T) {
	// WHAT: The duplicated overlap text appears exactly once in the output
	// and the pair counts as pixel-verified.
	// WHY: Every overlap emitted twice corrupts the document.
	set := twoTileSet(t)
	results := okResults(set,
		"# Page\n\nfirst paragraph\nshared overlap sentence here",
		"shared overlap sentence here\nsecond paragraph")
	doc, err := Assemble(set, results, nil, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(doc.Markdown, "shared overlap sentence here"); got != 1 {
		t.Errorf("overlap sentence appears %d times:\n%s", got, doc.Markdown)
	}
	if doc.Stats.PairsPixelVerified != 1 {
		t.Errorf("stats: %+v", doc.Stats)
	}
	if !strings.Contains(doc.Markdown, "second paragraph") {
		t.Error("lower tile content lost")
	}
}

func TestAssembleDeterministic(t *testing.T) {
	// WHAT: Assembling the same inputs twice yields identical bytes.
	// WHY: Byte-stable output is the whole point of the pipeline.
	set := twoTileSet(t)
	results := okResults(set, "alpha\ncommon tail line", "common tail line\nomega")
	pageLinks := []links.Link{{URL: "https://example.com/a", Text: "A"}}
	a, err := Assemble(set, results, pageLinks, Config{Provenance: true})
	if err != nil {
		t.Fatal(err)
	}
	b, err := Assemble(set, results, pageLinks, Config{Provenance: true})
	if err != nil {
		t.Fatal(err)
	}
	if a.Markdown != b.Markdown {
		t.Error("output differs between runs")
	}
}

func TestAssembleFailedTilePlaceholder(t *testing.T) {
	// WHAT: A failed tile becomes a stable placeholder comment and is not
	// deduplicated against its neighbours.
	// WHY: Readers must see that content is missing, and where.
	set := twoTileSet(t)
	results := okResults(set, "upper text", "")
	results[1].Failed = true
	doc, err := Assemble(set, results, nil, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(doc.Markdown, "<!-- tile 1 unrecoverable -->") {
		t.Errorf("placeholder missing:\n%s", doc.Markdown)
	}
	if doc.Stats.FailedTiles != 1 {
		t.Errorf("stats: %+v", doc.Stats)
	}
}

// syntheticPair builds two tiles whose overlap bands are solid, different
// colors, so pixel verification must fail.
func syntheticPair(t *testing.T) *tiler.Set {
	t.Helper()
	mk := func(c color.RGBA) []byte {
		img := image.NewRGBA(image.Rect(0, 0, 50, 100))
		for y := 0; y < 100; y++ {
			for x := 0; x < 50; x++ {
				img.SetRGBA(x, y, c)
			}
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			t.Fatal(err)
		}
		return buf.Bytes()
	}
	return &tiler.Set{Tiles: []tiler.Tile{
		{ID: "a", Index: 0, StartY: 0, EndY: 100, Width: 50, Height: 100, PNG: mk(color.RGBA{R: 255, A: 255})},
		{ID: "b", Index: 1, StartY: 80, EndY: 180, Width: 50, Height: 100, PNG: mk(color.RGBA{B: 255, A: 255})},
	}}
}

func TestAssembleDivergenceKeepsHigherConfidence(t *testing.T) {
	// WHAT: When neither pixels nor text match, the higher-confidence tile
	// keeps its overlap region and the other side is cut proportionally.
	// WHY: Divergent renders need a deterministic winner.
	set := syntheticPair(t)
	results := []ocr.Result{
		{TileID: "a", Index: 0, Text: strings.Repeat("upper words here\n", 10), Confidence: 0.5},
		{TileID: "b", Index: 1, Text: strings.Repeat("lower totally different\n", 10), Confidence: 0.9},
	}
	doc, err := Assemble(set, results, nil, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if doc.Stats.PairsDiverged != 1 {
		t.Fatalf("stats: %+v", doc.Stats)
	}
	upperLen := len(strings.TrimSpace(results[0].Text))
	if got := strings.Count(doc.Markdown, "upper words here"); got >= 10 {
		t.Errorf("upper tile not cut: %d occurrences, text len %d", got, upperLen)
	}
	if got := strings.Count(doc.Markdown, "lower totally different"); got != 10 {
		t.Errorf("winning tile was cut: %d occurrences", got)
	}
}

func TestAssembleDivergenceTieKeepsEarlier(t *testing.T) {
	// WHAT: Equal confidence keeps the earlier tile intact.
	// WHY: Ties need a stable rule or output flaps between runs.
	set := syntheticPair(t)
	results := []ocr.Result{
		{TileID: "a", Index: 0, Text: strings.Repeat("upper words here\n", 10), Confidence: 0.7},
		{TileID: "b", Index: 1, Text: strings.Repeat("lower totally different\n", 10), Confidence: 0.7},
	}
	doc, err := Assemble(set, results, nil, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(doc.Markdown, "upper words here"); got != 10 {
		t.Errorf("earlier tile was cut on a tie: %d occurrences", got)
	}
}

func TestAssembleDivergenceCutRuneSafe(t *testing.T) {
	// WHAT: The proportional divergence cut lands on rune boundaries, on
	// whichever side loses, so multi-byte text stays valid UTF-8.
	// WHY: A byte-offset cut through a CJK character corrupts the document.
	set := syntheticPair(t)
	cjk := strings.Repeat("語", 73)
	latin := strings.Repeat("plain ascii words here\n", 10)

	// Lower tile loses and is cut from the front.
	doc, err := Assemble(set, []ocr.Result{
		{TileID: "a", Index: 0, Text: latin, Confidence: 0.9},
		{TileID: "b", Index: 1, Text: cjk, Confidence: 0.5},
	}, nil, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if doc.Stats.PairsDiverged != 1 {
		t.Fatalf("stats: %+v", doc.Stats)
	}
	if !utf8.ValidString(doc.Markdown) {
		t.Error("front cut produced invalid UTF-8")
	}

	// Upper tile loses and is cut from the back.
	doc, err = Assemble(set, []ocr.Result{
		{TileID: "a", Index: 0, Text: cjk, Confidence: 0.5},
		{TileID: "b", Index: 1, Text: latin, Confidence: 0.9},
	}, nil, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if !utf8.ValidString(doc.Markdown) {
		t.Error("back cut produced invalid UTF-8")
	}
}

func TestAssembleLinksAppendix(t *testing.T) {
	// WHAT: Harvested links land in a trailing "## Links" list.
	// WHY: OCR cannot see hrefs; the appendix restores navigability.
	set := twoTileSet(t)
	results := okResults(set, "body", "more body")
	doc, err := Assemble(set, results, []links.Link{
		{URL: "https://example.com/a", Text: "First"},
		{URL: "https://example.com/b"},
	}, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(doc.Markdown, "## Links") {
		t.Fatal("appendix heading missing")
	}
	if !strings.Contains(doc.Markdown, "- [First](https://example.com/a)") {
		t.Errorf("link entry missing:\n%s", doc.Markdown)
	}
	if !strings.Contains(doc.Markdown, "- [https://example.com/b](https://example.com/b)") {
		t.Error("textless link should use its URL as text")
	}
}

func TestAssembleLinksDeltaTag(t *testing.T) {
	// WHAT: Links flagged as added since the prior capture carry a (new)
	// tag in the appendix; unchanged ones do not.
	set := twoTileSet(t)
	results := okResults(set, "body", "more body")
	doc, err := Assemble(set, results, []links.Link{
		{URL: "https://example.com/a", Text: "Old", Delta: "unchanged"},
		{URL: "https://example.com/b", Text: "Fresh", Delta: "added"},
	}, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(doc.Markdown, "- [Fresh](https://example.com/b) (new)") {
		t.Errorf("added link not tagged:\n%s", doc.Markdown)
	}
	if strings.Contains(doc.Markdown, "- [Old](https://example.com/a) (new)") {
		t.Error("unchanged link tagged as new")
	}
}

func TestAssembleProvenanceMarkers(t *testing.T) {
	// WHAT: Provenance mode prefixes each contribution with its tile marker.
	// WHY: Auditing a suspect region means finding its source tile.
	set := twoTileSet(t)
	results := okResults(set, "alpha", "omega")
	doc, err := Assemble(set, results, nil, Config{Provenance: true})
	if err != nil {
		t.Fatal(err)
	}
	for _, marker := range []string{"<!-- tile:0 -->", "<!-- tile:1 -->"} {
		if !strings.Contains(doc.Markdown, marker) {
			t.Errorf("marker %q missing", marker)
		}
	}
}

func TestAssembleSections(t *testing.T) {
	// WHAT: The document splits into heading-delimited sections, with the
	// links appendix excluded.
	// WHY: Sections are the embedding units for search.
	set := twoTileSet(t)
	results := okResults(set, "# Title\n\nintro text\n\n## Part One\n\nbody one", "body one tail\n\n## Part Two\n\nbody two")
	doc, err := Assemble(set, results, []links.Link{{URL: "https://example.com/x"}}, Config{})
	if err != nil {
		t.Fatal(err)
	}
	var headings []string
	for _, s := range doc.Sections {
		headings = append(headings, s.Heading)
	}
	for _, want := range []string{"Title", "Part One", "Part Two"} {
		found := false
		for _, h := range headings {
			if h == want {
				found = true
			}
		}
		if !found {
			t.Errorf("section %q missing in %v", want, headings)
		}
	}
	for _, s := range doc.Sections {
		if s.Heading == "Links" {
			t.Error("links appendix leaked into sections")
		}
	}
}

func TestAssembleMismatch(t *testing.T) {
	// WHAT: A result count that differs from the tile count errors out.
	// WHY: Positional stitching on mismatched slices would scramble pages.
	set := twoTileSet(t)
	if _, err := Assemble(set, []ocr.Result{{}}, nil, Config{}); err == nil {
		t.Fatal("expected mismatch error")
	}
}
