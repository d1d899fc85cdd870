// Package batch splits a job's image sequence into fixed-size review chunks
// and reports how much of each chunk has been classified.
package batch

import (
	"math"
	"os"
	"path/filepath"

	"github.com/local/pagesorter/internal/ledger"
)

const (
	// DefaultReviewSize is the chunk size shown in the assignment editor.
	DefaultReviewSize = 4
	// DefaultListSize is used by listings and other consumers.
	DefaultListSize = 20
)

// Range is a half-open span [Start, End) of 0-based image positions.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (r Range) Len() int { return r.End - r.Start }

// Indices returns the 1-based image indices covered by r.
func (r Range) Indices() []ledger.Index {
	out := make([]ledger.Index, 0, r.Len())
	for i := r.Start; i < r.End; i++ {
		out = append(out, ledger.Index(i+1))
	}
	return out
}

// Batches partitions [0, total) into ranges of size, the last one possibly
// shorter. A non-positive size falls back to DefaultReviewSize.
func Batches(total, size int) []Range {
	if size <= 0 {
		size = DefaultReviewSize
	}
	if total <= 0 {
		return nil
	}
	out := make([]Range, 0, (total+size-1)/size)
	for start := 0; start < total; start += size {
		end := start + size
		if end > total {
			end = total
		}
		out = append(out, Range{Start: start, End: end})
	}
	return out
}

// Status describes classification progress for one batch and the whole job.
type Status struct {
	BatchNum        int `json:"batch_num"`
	TotalBatches    int `json:"total_batches"`
	BatchComplete   int `json:"batch_complete"`
	BatchTotal      int `json:"batch_total"`
	BatchPercent    int `json:"batch_percent"`
	OverallComplete int `json:"overall_complete"`
	OverallTotal    int `json:"overall_total"`
	OverallPercent  int `json:"overall_percent"`
}

// Done reports whether every image of the batch has been classified.
func (s Status) Done() bool { return s.BatchTotal > 0 && s.BatchComplete == s.BatchTotal }

// StatusFor computes progress for the batch at batchIndex (0-based). An image
// counts as complete once it has any ledger entry, exclusions included.
// Overall counts every ledger entry, as ledger.Progress does.
func StatusFor(l *ledger.Ledger, total, batchIndex, size int) Status {
	ranges := Batches(total, size)
	st := Status{BatchNum: batchIndex + 1, TotalBatches: len(ranges), OverallTotal: total}
	if batchIndex >= 0 && batchIndex < len(ranges) {
		r := ranges[batchIndex]
		st.BatchTotal = r.Len()
		for _, i := range r.Indices() {
			if l.Has(i.Key()) {
				st.BatchComplete++
			}
		}
	}
	st.OverallComplete = l.Len()
	st.BatchPercent = percent(st.BatchComplete, st.BatchTotal)
	st.OverallPercent = ledger.Progress(l, total)
	return st
}

// FirstIncomplete returns the index of the first batch with unclassified
// images, or the last batch when everything is classified.
func FirstIncomplete(l *ledger.Ledger, total, size int) int {
	ranges := Batches(total, size)
	for bi, r := range ranges {
		for _, i := range r.Indices() {
			if !l.Has(i.Key()) {
				return bi
			}
		}
	}
	if len(ranges) == 0 {
		return 0
	}
	return len(ranges) - 1
}

func percent(n, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.RoundToEven(float64(n) / float64(total) * 100))
}

// Image is one entry of a batch view.
type Image struct {
	Index     ledger.Index `json:"index"`
	Key       string       `json:"key"`
	Thumbnail string       `json:"thumbnail"`
	Raster    string       `json:"raster"`
}

// View lists the images of a range whose thumbnails are on disk.
type View struct {
	Range   Range   `json:"range"`
	Numbers []int   `json:"numbers"`
	Images  []Image `json:"images"`
}

// Images builds the view for r. Images without a thumbnail yet are left out
// of Images but still listed in Numbers.
func Images(imagesDir, thumbsDir, ext string, r Range) View {
	v := View{Range: r}
	for _, i := range r.Indices() {
		v.Numbers = append(v.Numbers, int(i))
		thumb := filepath.Join(thumbsDir, i.ThumbnailFile(ext))
		if _, err := os.Stat(thumb); err != nil {
			continue
		}
		v.Images = append(v.Images, Image{
			Index:     i,
			Key:       i.Key(),
			Thumbnail: thumb,
			Raster:    filepath.Join(imagesDir, i.RasterFile(ext)),
		})
	}
	return v
}
