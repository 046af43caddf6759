package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics tracks inventory updates and detox runs
type Metrics struct {
	// Merge metrics
	EntitiesChanged   *prometheus.CounterVec
	EntitiesUnchanged *prometheus.CounterVec
	EntitiesSkipped   *prometheus.CounterVec
	EntitiesDeleted   *prometheus.CounterVec

	// Detox metrics
	DetoxRuns         *prometheus.CounterVec
	DetoxRounds       *prometheus.CounterVec
	DetoxDecisions    *prometheus.CounterVec
	DetoxDeletedBytes *prometheus.CounterVec
	EvaluationLatency prometheus.Histogram
	UnmatchedLines    *prometheus.GaugeVec

	// Site metrics
	SiteOccupancy *prometheus.GaugeVec
	SiteQuota     *prometheus.GaugeVec

	// Resilience metrics
	RetryAttempts *prometheus.CounterVec
}

// New creates and registers the metrics. A nil registry uses the default one.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		EntitiesChanged: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dynamo_inventory_entities_changed_total",
			Help: "Entities merged into the inventory with a change",
		}, []string{"kind"}),
		EntitiesUnchanged: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dynamo_inventory_entities_unchanged_total",
			Help: "Entities merged into the inventory without a change",
		}, []string{"kind"}),
		EntitiesSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dynamo_inventory_entities_skipped_total",
			Help: "Entities skipped because of unknown references or integrity errors",
		}, []string{"kind"}),
		EntitiesDeleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dynamo_inventory_entities_deleted_total",
			Help: "Entities removed from the inventory",
		}, []string{"kind"}),

		DetoxRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dynamo_detox_runs_total",
			Help: "Detox runs by partition and outcome",
		}, []string{"partition", "outcome"}),
		DetoxRounds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dynamo_detox_rounds_total",
			Help: "Deletion rounds executed",
		}, []string{"partition"}),
		DetoxDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dynamo_detox_decisions_total",
			Help: "Replica decisions by partition and decision",
		}, []string{"partition", "decision"}),
		DetoxDeletedBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dynamo_detox_deleted_bytes_total",
			Help: "Bytes selected for deletion",
		}, []string{"partition", "site"}),
		EvaluationLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dynamo_detox_evaluation_seconds",
			Help:    "Time to evaluate the working set once",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		UnmatchedLines: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dynamo_detox_unmatched_lines",
			Help: "Policy lines that never matched in the last run",
		}, []string{"partition"}),

		SiteOccupancy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dynamo_site_occupancy_ratio",
			Help: "Physical occupancy fraction of a site partition",
		}, []string{"site", "partition"}),
		SiteQuota: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dynamo_site_quota_bytes",
			Help: "Quota of a site partition (-1 for unlimited)",
		}, []string{"site", "partition"}),

		RetryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dynamo_retry_attempts_total",
			Help: "Retries of calls to external collaborators",
		}, []string{"operation"}),
	}
}

// ObserveSite records the quota and occupancy of a site partition. Sites
// without a quota are not reported as occupied.
func (m *Metrics) ObserveSite(site, partition string, quota int64, occupancy float64) {
	m.SiteQuota.WithLabelValues(site, partition).Set(float64(quota))
	if quota == 0 {
		occupancy = 0
	}
	m.SiteOccupancy.WithLabelValues(site, partition).Set(occupancy)
}

// StartServer exposes the metrics of gatherer on /metrics.
func StartServer(port int, gatherer prometheus.Gatherer, logger *zap.Logger) *http.Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		logger.Info("Starting metrics server", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return server
}
