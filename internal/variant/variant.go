// Package variant normalizes the images returned by a generation job into
// ordered variant records, and derives processed assets from them:
// thumbnails and, for backends that return a single 2x2 grid, the four
// cropped quadrants.
package variant

import (
	"regexp"
	"strconv"
)

// Variant is one of the images produced by a single generation job.
type Variant struct {
	URL     string `json:"url"`
	Ordinal int    `json:"ordinal"`
}

// SplitVariants assigns 1-based ordinals in input order. It never drops or
// deduplicates entries; the output always has len(rawURLs) elements.
func SplitVariants(rawURLs []string) []Variant {
	out := make([]Variant, len(rawURLs))
	for i, u := range rawURLs {
		out[i] = Variant{URL: u, Ordinal: i + 1}
	}
	return out
}

// URLs flattens variants back into an ordered URL list.
func URLs(variants []Variant) []string {
	out := make([]string, len(variants))
	for i, v := range variants {
		out[i] = v.URL
	}
	return out
}

// quadrantMarker matches the "_q<N>" suffix written on cropped grid quadrants,
// immediately before the extension (or the end of the URL).
var quadrantMarker = regexp.MustCompile(`_q([1-4])(\.[A-Za-z0-9]+)?(\?.*)?$`)

// QuadrantOrdinal reports whether url names a single cropped quadrant and, if
// so, which one.
func QuadrantOrdinal(url string) (int, bool) {
	m := quadrantMarker.FindStringSubmatch(url)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func quadrantName(base string, ordinal int) string {
	return base + "_q" + strconv.Itoa(ordinal) + ".webp"
}
