package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"catalog_sync/models"
)

var (
	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_sync_runs_total",
		Help: "Sync runs by trigger and status",
	}, []string{"trigger", "status"})

	SyncResultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_sync_results_total",
		Help: "Search results handled by outcome",
	}, []string{"outcome"})

	SyncEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "catalog_sync_cache_entries_total",
		Help: "Cache entries stamped as processed",
	})

	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "catalog_sync_run_duration_seconds",
		Help:    "Wall time of sync runs",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	CleanupFilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_sync_cleanup_files_total",
		Help: "3D model files handled by the cleanup job",
	}, []string{"outcome"})
)

// ObserveSync records the outcome of a finished sync run
func ObserveSync(trigger models.RunTrigger, status models.RunStatus, stats *models.SyncStats, elapsed time.Duration) {
	SyncRunsTotal.WithLabelValues(string(trigger), string(status)).Inc()
	SyncDuration.Observe(elapsed.Seconds())
	if stats == nil {
		return
	}

	SyncEntriesTotal.Add(float64(stats.CacheEntriesProcessed))
	SyncResultsTotal.WithLabelValues("checked").Add(float64(stats.ProductsChecked))
	SyncResultsTotal.WithLabelValues("matched").Add(float64(stats.ProductsMatched))
	SyncResultsTotal.WithLabelValues("updated").Add(float64(stats.ProductsUpdated))
	SyncResultsTotal.WithLabelValues("pending_triggered").Add(float64(stats.PendingProductsTriggered))
	SyncResultsTotal.WithLabelValues("skipped_no_match").Add(float64(stats.ProductsSkippedNoMatch))
	SyncResultsTotal.WithLabelValues("skipped_unsure").Add(float64(stats.ProductsSkippedUnsure))
	SyncResultsTotal.WithLabelValues("error").Add(float64(stats.Errors))
}

func ObserveCleanup(stats *models.CleanupStats) {
	CleanupFilesTotal.WithLabelValues("deleted").Add(float64(stats.FilesDeleted))
	CleanupFilesTotal.WithLabelValues("failed").Add(float64(stats.FilesFailed))
}
