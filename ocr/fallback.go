// CLAUDE:SUMMARY DOM-derived OCR fallback: convert the snapshot to markdown once, slice lines proportionally per tile.
package ocr

import (
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"

	"github.com/hazyhaar/mdwb/tiler"
)

// fallbackConfidence marks substitute text as low-trust so a healthy OCR
// result from an overlapping tile always wins a divergence tie-break.
const fallbackConfidence = 0.30

// NewDOMFallback converts the DOM snapshot to markdown once and returns a
// FallbackFunc that hands each tile the line range proportional to its
// vertical span. The slicing is a coarse approximation of layout, but it is
// deterministic: the same snapshot and tile geometry always yield the same
// substitute text.
func NewDOMFallback(domHTML []byte, pageURL string, documentHeight int) (FallbackFunc, error) {
	conv := converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
	md, err := conv.ConvertString(string(domHTML), converter.WithDomain(pageURL))
	if err != nil {
		return nil, fmt.Errorf("ocr: convert dom snapshot: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(md), "\n")

	return func(tile tiler.Tile) (Recognition, error) {
		if documentHeight <= 0 || len(lines) == 0 {
			return Recognition{Confidence: fallbackConfidence}, nil
		}
		start := len(lines) * tile.StartY / documentHeight
		end := len(lines) * tile.EndY / documentHeight
		if end > len(lines) {
			end = len(lines)
		}
		if start > end {
			start = end
		}
		return Recognition{
			Text:       strings.Join(lines[start:end], "\n"),
			Confidence: fallbackConfidence,
		}, nil
	}, nil
}
