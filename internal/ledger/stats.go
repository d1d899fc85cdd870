package ledger

import (
	"math"
	"sort"
)

// MaxImagesPerPage is the largest group one output page can hold.
const MaxImagesPerPage = 9

// PageCount is the number of images assigned to one output page.
type PageCount struct {
	Page  int `json:"page"`
	Count int `json:"count"`
}

// PageCounts tallies assigned images per page, ascending by page. Excluded
// images are not counted.
func PageCounts(l *Ledger) []PageCount {
	counts := map[int]int{}
	for _, e := range l.Entries() {
		if e.Page > 0 {
			counts[e.Page]++
		}
	}
	out := make([]PageCount, 0, len(counts))
	for p, c := range counts {
		out = append(out, PageCount{Page: p, Count: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Page < out[j].Page })
	return out
}

// OverLimit returns the pages holding more than max images.
func OverLimit(counts []PageCount, max int) []PageCount {
	var out []PageCount
	for _, pc := range counts {
		if pc.Count > max {
			out = append(out, pc)
		}
	}
	return out
}

// Progress is the share of images classified, as a whole percent rounded half
// to even. Excluded images count as classified.
func Progress(l *Ledger, totalImages int) int {
	if totalImages <= 0 {
		return 0
	}
	return int(math.RoundToEven(float64(l.Len()) / float64(totalImages) * 100))
}

// SuggestPage is the page number offered for an image that has none yet: the
// highest page assigned so far, or 1.
func SuggestPage(l *Ledger) int {
	max := 0
	for _, e := range l.Entries() {
		if e.Page > max {
			max = e.Page
		}
	}
	if max == 0 {
		return 1
	}
	return max
}
