package usecase

import (
	"errors"
	"sync/atomic"

	"github.com/example/store-classifier/internal/imageprocessor"
	"github.com/example/store-classifier/internal/model"
)

// MetricsSummary reports in-process request counters since startup.
type MetricsSummary struct {
	TotalRequests         int64   `json:"total_requests"`
	SuccessfulRequests    int64   `json:"successful_requests"`
	ModelUnavailable      int64   `json:"model_unavailable"`
	PreprocessingFailures int64   `json:"preprocessing_failures"`
	UnexpectedFailures    int64   `json:"unexpected_failures"`
	CacheHits             int64   `json:"cache_hits"`
	SuccessRate           float64 `json:"success_rate"`
}

type counters struct {
	total       atomic.Int64
	success     atomic.Int64
	unavailable atomic.Int64
	preprocess  atomic.Int64
	unexpected  atomic.Int64
	cacheHits   atomic.Int64
}

func (c *counters) record(err error) {
	c.total.Add(1)
	switch {
	case err == nil:
		c.success.Add(1)
	case errors.Is(err, model.ErrModelUnavailable):
		c.unavailable.Add(1)
	case errors.Is(err, imageprocessor.ErrPreprocess):
		c.preprocess.Add(1)
	default:
		c.unexpected.Add(1)
	}
}

// GetMetricsSummary snapshots the request counters.
func (uc *ClassificationUseCase) GetMetricsSummary() *MetricsSummary {
	summary := &MetricsSummary{
		TotalRequests:         uc.stats.total.Load(),
		SuccessfulRequests:    uc.stats.success.Load(),
		ModelUnavailable:      uc.stats.unavailable.Load(),
		PreprocessingFailures: uc.stats.preprocess.Load(),
		UnexpectedFailures:    uc.stats.unexpected.Load(),
		CacheHits:             uc.stats.cacheHits.Load(),
	}
	if summary.TotalRequests > 0 {
		summary.SuccessRate = float64(summary.SuccessfulRequests) / float64(summary.TotalRequests)
	}
	return summary
}
