package tiler

// span is a half-open vertical range [start, end) in CSS pixels.
type span struct {
	start, end int
}

// plan computes tile boundaries for a document of the given height. A page
// no taller than the window yields a single tile. Otherwise tiles advance by
// (window − overlap) and the count is ceil((height − overlap) / stride); the
// last tile is clamped to end exactly at the document height, which can only
// grow its overlap with the previous tile, never shrink it.
func plan(height, window, overlap int) []span {
	if height <= 0 {
		return nil
	}
	if height <= window {
		return []span{{0, height}}
	}
	stride := window - overlap
	n := (height - overlap + stride - 1) / stride
	spans := make([]span, n)
	for i := range spans {
		start := i * stride
		end := start + window
		if end > height {
			end = height
			start = end - window
			if start < 0 {
				start = 0
			}
		}
		spans[i] = span{start, end}
	}
	return spans
}
