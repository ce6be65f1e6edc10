package prometheus

import (
	"context"
	"time"

	"inviqa/entitlement-pipeline/log"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalSize = promauto.NewGauge(prom.GaugeOpts{
	Name: "pipeline_total_size",
	Help: "The total number of rows across the pipeline's queue tables",
})

type TotalSizer interface {
	GetTotalSize(ctx context.Context) (uint, error)
}

func ObserveTotalSize(ctx context.Context, sizers []TotalSizer) {
	for {
		var (
			total  uint
			failed bool
		)
		for _, s := range sizers {
			size, err := s.GetTotalSize(ctx)
			if err != nil {
				log.Logger.WithError(err).Error("an error occurred determining the total size of a queue")
				failed = true
				break
			}
			total += size
		}

		if !failed {
			totalSize.Set(float64(total))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(observeInterval):
		}
	}
}
