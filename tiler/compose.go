package tiler

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	xdraw "golang.org/x/image/draw"

	"github.com/hazyhaar/mdwb/capture"
)

// compose draws the sweep's frames onto one canvas in CSS-pixel space.
// Frames captured at DPR > 1 are scaled down so tile geometry is independent
// of the device pixel ratio. Later frames overwrite earlier ones where they
// touch; on a stable page the bytes are identical either way.
func compose(sweep *capture.Sweep) (*image.RGBA, error) {
	last := sweep.Frames[len(sweep.Frames)-1]
	height := last.OffsetY + sweep.ViewportHeight
	canvas := image.NewRGBA(image.Rect(0, 0, sweep.ViewportWidth, height))

	for _, f := range sweep.Frames {
		src, err := png.Decode(bytes.NewReader(f.PNG))
		if err != nil {
			return nil, fmt.Errorf("tiler: decode frame %d: %w", f.Index, err)
		}
		dst := image.Rect(0, f.OffsetY, sweep.ViewportWidth, f.OffsetY+sweep.ViewportHeight)
		if src.Bounds().Dx() == sweep.ViewportWidth && src.Bounds().Dy() == sweep.ViewportHeight {
			xdraw.Copy(canvas, dst.Min, src, src.Bounds(), xdraw.Src, nil)
		} else {
			xdraw.CatmullRom.Scale(canvas, dst, src, src.Bounds(), xdraw.Src, nil)
		}
	}
	return canvas, nil
}
