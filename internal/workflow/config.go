package workflow

import (
	"github.com/local/pagesorter/internal/config"
	"github.com/local/pagesorter/internal/imagerender"
	"github.com/local/pagesorter/internal/jobs"
	"github.com/local/pagesorter/internal/limiter"
)

// FromConfig builds a Service on the default rasterizer. pub may be nil.
func FromConfig(cfg config.Config, pub Publisher) *Service {
	format := imagerender.Format(cfg.Storage.RasterFormat)
	return New(Options{
		Jobs:            jobs.NewManager(cfg.Storage.JobsRoot, cfg.Storage.OutputsRoot, format),
		Converter:       imagerender.NewConverter(format, cfg.Storage.JPEGQuality, cfg.Storage.ThumbnailMaxSize),
		Publisher:       pub,
		ReviewBatchSize: cfg.Review.BatchSize,
		ListBatchSize:   cfg.Review.ListBatchSize,
		Slots: limiter.New(limiter.Options{MaxInflight: map[string]int{
			SlotRasterize: cfg.Worker.RasterSlots,
			SlotAssemble:  cfg.Worker.AssembleSlots,
		}}),
	})
}
