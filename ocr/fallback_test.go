package ocr

import (
	"strings"
	"testing"

	"github.com/hazyhaar/mdwb/tiler"
)

const fallbackDOM = `<html><body>
<h1>Title</h1>
<p>First paragraph of the page.</p>
<p>Second paragraph with more words.</p>
<p>Third paragraph near the bottom.</p>
</body></html>`

func TestDOMFallbackDeterministic(t *testing.T) {
	// WHAT: The same snapshot and tile yield byte-identical substitute text.
	// WHY: Fallback output feeds the deterministic stitch contract.
	fb1, err := NewDOMFallback([]byte(fallbackDOM), "https://example.com", 4000)
	if err != nil {
		t.Fatal(err)
	}
	fb2, err := NewDOMFallback([]byte(fallbackDOM), "https://example.com", 4000)
	if err != nil {
		t.Fatal(err)
	}
	tile := tiler.Tile{StartY: 0, EndY: 2000}
	a, _ := fb1(tile)
	b, _ := fb2(tile)
	if a.Text != b.Text {
		t.Errorf("fallback text differs:\n%q\n%q", a.Text, b.Text)
	}
	if a.Confidence != fallbackConfidence {
		t.Errorf("confidence: got %v", a.Confidence)
	}
}

func TestDOMFallbackSlicesProportionally(t *testing.T) {
	// WHAT: Tiles covering the whole document between them receive all
	// lines, top tile first; a top tile never gets bottom content.
	// WHY: Substitute text must approximate what the tile actually shows.
	fb, err := NewDOMFallback([]byte(fallbackDOM), "https://example.com", 4000)
	if err != nil {
		t.Fatal(err)
	}
	top, _ := fb(tiler.Tile{StartY: 0, EndY: 2000})
	bottom, _ := fb(tiler.Tile{StartY: 2000, EndY: 4000})
	if !strings.Contains(top.Text, "Title") {
		t.Errorf("top tile missing heading: %q", top.Text)
	}
	if strings.Contains(top.Text, "Third paragraph") {
		t.Errorf("top tile contains bottom content: %q", top.Text)
	}
	if !strings.Contains(bottom.Text, "Third paragraph") {
		t.Errorf("bottom tile missing bottom content: %q", bottom.Text)
	}
}

func TestDOMFallbackZeroHeight(t *testing.T) {
	// WHAT: A zero document height yields empty text, not a panic.
	// WHY: Degenerate captures still pass through the fallback path.
	fb, err := NewDOMFallback([]byte(fallbackDOM), "https://example.com", 0)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := fb(tiler.Tile{StartY: 0, EndY: 2000})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Text != "" {
		t.Errorf("text: %q", rec.Text)
	}
}
