package store

import (
	"math"
	"strings"
)

// cosine returns 0 for mismatched or zero-length vectors.
func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(-1, math.Min(1, sim))
}

// overlaps reports whether any of want appears in have, case-insensitively.
// An empty want matches everything.
func overlaps(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		for _, h := range have {
			if strings.ToLower(strings.TrimSpace(h)) == w {
				return true
			}
		}
	}
	return false
}
