// ============================================================================
// Board-Copier Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose pipeline metrics for Prometheus
//
// Metric families:
//
//   1. Counters:
//      - boardcopy_items_succeeded_total
//      - boardcopy_items_skipped_total: already succeeded in an earlier run
//      - boardcopy_items_failed_total{reason}
//      - boardcopy_scan_rounds_total / boardcopy_scan_stalls_total
//      - boardcopy_checkpoint_writes_total
//      - boardcopy_block_trips_total
//
//   2. Histogram:
//      - boardcopy_transfer_seconds: one worker transfer, end to end
//
//   3. Gauges:
//      - boardcopy_inventory_items: size of the inventory in use
//      - boardcopy_resume_index: index the current pass started from
//
// Example queries:
//
//   # failure mix over the last hour
//   sum by (reason) (increase(boardcopy_items_failed_total[1h]))
//
//   # p95 transfer latency
//   histogram_quantile(0.95, rate(boardcopy_transfer_seconds_bucket[5m]))
//
// A nil *Collector is valid and records nothing, so components can run
// without metrics.
//
// ============================================================================

package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "boardcopy"

// Collector holds the pipeline's Prometheus metrics.
type Collector struct {
	itemsSucceeded prometheus.Counter
	itemsSkipped   prometheus.Counter
	itemsFailed    *prometheus.CounterVec

	transferLatency prometheus.Histogram

	inventorySize prometheus.Gauge
	resumeIndex   prometheus.Gauge

	scanRounds       prometheus.Counter
	scanStalls       prometheus.Counter
	checkpointWrites prometheus.Counter
	blockTrips       prometheus.Counter
}

// NewCollector creates the metrics and registers them with reg. A nil reg
// means prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		itemsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_succeeded_total",
			Help:      "Items saved to the destination",
		}),
		itemsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_skipped_total",
			Help:      "Items skipped because an earlier run already saved them",
		}),
		itemsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_failed_total",
			Help:      "Items that ended in a failure, by reason",
		}, []string{"reason"}),
		transferLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_seconds",
			Help:      "Time spent transferring one item",
			Buckets:   []float64{0.5, 1, 2, 3, 5, 8, 13, 21, 34},
		}),
		inventorySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inventory_items",
			Help:      "Number of items in the inventory being processed",
		}),
		resumeIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resume_index",
			Help:      "Inventory index the current pass started from",
		}),
		scanRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_rounds_total",
			Help:      "Scroll rounds performed while building inventories",
		}),
		scanStalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scan_stalls_total",
			Help:      "Scroll rounds that revealed no new items",
		}),
		checkpointWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_writes_total",
			Help:      "Checkpoints persisted",
		}),
		blockTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_trips_total",
			Help:      "Runs halted by the block detector",
		}),
	}

	reg.MustRegister(
		c.itemsSucceeded,
		c.itemsSkipped,
		c.itemsFailed,
		c.transferLatency,
		c.inventorySize,
		c.resumeIndex,
		c.scanRounds,
		c.scanStalls,
		c.checkpointWrites,
		c.blockTrips,
	)
	return c
}

// RecordSuccess records a saved item and its transfer latency.
func (c *Collector) RecordSuccess(d time.Duration) {
	if c == nil {
		return
	}
	c.itemsSucceeded.Inc()
	c.transferLatency.Observe(d.Seconds())
}

// RecordFailure records a failed item under reason.
func (c *Collector) RecordFailure(reason string, d time.Duration) {
	if c == nil {
		return
	}
	c.itemsFailed.WithLabelValues(reason).Inc()
	c.transferLatency.Observe(d.Seconds())
}

func (c *Collector) RecordSkip() {
	if c == nil {
		return
	}
	c.itemsSkipped.Inc()
}

// RecordScanRound counts one scroll round; stalled marks a round without growth.
func (c *Collector) RecordScanRound(stalled bool) {
	if c == nil {
		return
	}
	c.scanRounds.Inc()
	if stalled {
		c.scanStalls.Inc()
	}
}

func (c *Collector) RecordCheckpoint() {
	if c == nil {
		return
	}
	c.checkpointWrites.Inc()
}

func (c *Collector) RecordBlockTrip() {
	if c == nil {
		return
	}
	c.blockTrips.Inc()
}

func (c *Collector) SetInventorySize(n int) {
	if c == nil {
		return
	}
	c.inventorySize.Set(float64(n))
}

func (c *Collector) SetResumeIndex(n int) {
	if c == nil {
		return
	}
	c.resumeIndex.Set(float64(n))
}

// StartServer serves /metrics from g on port until ctx ends.
func StartServer(ctx context.Context, port int, g prometheus.Gatherer) error {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrapf(err, "metrics server on :%d", port)
	}
}
