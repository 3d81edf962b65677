// CLAUDE:SUMMARY Overlap resolution: pixel-band similarity between consecutive tiles and line-boundary text dedup.
package stitch

import (
	"bytes"
	"image/png"
	"strings"
	"unicode/utf8"

	"github.com/hazyhaar/mdwb/tiler"
)

// bandScore compares the shared pixel band of two consecutive tiles: the
// bottom rows of the upper tile against the top rows of the lower one.
// Returns mean-absolute-difference similarity in [0, 1]; 1 means identical.
func bandScore(upper, lower *tiler.Tile) (float64, error) {
	rows := upper.EndY - lower.StartY
	if rows <= 0 {
		return 0, nil
	}
	a, err := png.Decode(bytes.NewReader(upper.PNG))
	if err != nil {
		return 0, err
	}
	b, err := png.Decode(bytes.NewReader(lower.PNG))
	if err != nil {
		return 0, err
	}

	ab, bb := a.Bounds(), b.Bounds()
	width := ab.Dx()
	if bw := bb.Dx(); bw < width {
		width = bw
	}
	if width == 0 || rows > ab.Dy() || rows > bb.Dy() {
		return 0, nil
	}

	var total, count int64
	for y := 0; y < rows; y++ {
		ay := ab.Max.Y - rows + y
		by := bb.Min.Y + y
		for x := 0; x < width; x++ {
			ar, ag, abl, _ := a.At(ab.Min.X+x, ay).RGBA()
			br, bg, bbl, _ := b.At(bb.Min.X+x, by).RGBA()
			total += absDiff(ar>>8, br>>8) + absDiff(ag>>8, bg>>8) + absDiff(abl>>8, bbl>>8)
			count += 3
		}
	}
	if count == 0 {
		return 0, nil
	}
	return 1 - float64(total)/float64(count)/255, nil
}

func absDiff(a, b uint32) int64 {
	if a > b {
		return int64(a - b)
	}
	return int64(b - a)
}

// trimOverlap finds the duplicated region at the head of cur that repeats
// the tail of prev and returns cur with it removed. Candidate cut points are
// line boundaries in cur, bounded by window chars; the candidate with the
// highest tail/head similarity wins if it clears the threshold.
func trimOverlap(prev, cur string, threshold float64, window int) (string, float64, bool) {
	if prev == "" || cur == "" {
		return cur, 0, false
	}
	if window <= 0 {
		window = 600
	}

	lines := strings.SplitAfter(cur, "\n")
	bestSim := 0.0
	bestCut := -1
	cut := 0
	for _, line := range lines {
		cut += len(line)
		if cut > window {
			break
		}
		head := cur[:cut]
		tail := prev
		if len(tail) > cut {
			tail = tail[len(tail)-cut:]
		}
		if sim := similarity(tail, head); sim > bestSim {
			bestSim = sim
			bestCut = cut
		}
	}
	if bestCut < 0 || bestSim < threshold {
		return cur, bestSim, false
	}
	return strings.TrimLeft(cur[bestCut:], "\n"), bestSim, true
}

// estimateOverlapChars guesses how many characters of text the pixel
// overlap corresponds to, proportional to the tile's vertical span. Used
// only when dedup diverges and one side's text must be cut blind.
func estimateOverlapChars(t *tiler.Tile, overlapRows, textLen int) int {
	if t.Height <= 0 || overlapRows <= 0 {
		return 0
	}
	n := textLen * overlapRows / t.Height
	if n > textLen {
		n = textLen
	}
	return n
}

// alignRune snaps a byte offset in s back to the nearest rune boundary, so a
// proportional cut never slices through a multi-byte character.
func alignRune(s string, n int) int {
	if n <= 0 {
		return 0
	}
	if n >= len(s) {
		return len(s)
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}
