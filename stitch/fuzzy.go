// CLAUDE:SUMMARY Whitespace-tolerant similarity for OCR text: normalisation + banded Levenshtein ratio.
package stitch

import "strings"

// normalize folds case and collapses whitespace runs so OCR jitter (double
// spaces, stray line breaks) does not defeat overlap matching.
func normalize(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	space := false
	for _, r := range strings.ToLower(s) {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			space = true
			continue
		}
		if space && sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		space = false
		sb.WriteRune(r)
	}
	return sb.String()
}

// similarity returns 1 − levenshtein/maxLen over the normalised inputs,
// in [0, 1]. Two empty strings are identical.
func similarity(a, b string) float64 {
	na, nb := normalize(a), normalize(b)
	if na == nb {
		return 1
	}
	la, lb := len(na), len(nb)
	maxLen := la
	if lb > maxLen {
		maxLen = lb
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(levenshtein(na, nb))/float64(maxLen)
}

// levenshtein computes edit distance with a two-row table. Inputs are
// pre-normalised ASCII-ish text; bytes are close enough for a ratio.
func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min3(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
