// Package metrics exposes prometheus counters, gauges, and histograms for
// strata's consensus and storage-engine operations. Metrics plumbing is
// carried as ambient stack per spec.md §1 even though the Non-goals
// exclude an HTTP exposition surface; callers that want one wire Handler
// into their own mux. Grounded on cuemby-warren's pkg/metrics/metrics.go
// package-level prometheus.New*Vec + init-time MustRegister style.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Safekeeper consensus metrics.
	VoteRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_safekeeper_vote_requests_total",
			Help: "Total vote requests processed, by outcome",
		},
		[]string{"outcome"},
	)

	AppendRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_safekeeper_append_requests_total",
			Help: "Total AppendRequest messages processed",
		},
	)

	AppendBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_safekeeper_append_bytes_total",
			Help: "Total WAL bytes accepted via AppendRequest",
		},
	)

	CommitLsn = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strata_safekeeper_commit_lsn",
			Help: "Current commit_lsn per timeline",
		},
		[]string{"timeline"},
	)

	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "strata_safekeeper_flush_duration_seconds",
			Help: "Time spent fsyncing WAL to local storage",
		},
	)

	WalOffloadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_safekeeper_wal_offload_bytes_total",
			Help: "Total WAL bytes uploaded to remote storage",
		},
	)

	WalOffloadErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_safekeeper_wal_offload_errors_total",
			Help: "Total failed WAL offload attempts",
		},
	)

	// Pageserver storage-engine metrics.
	PageReconstructDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "strata_pageserver_reconstruct_duration_seconds",
			Help: "Time spent reconstructing a page image from layers",
		},
	)

	WalRedoDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "strata_pageserver_walredo_duration_seconds",
			Help: "Time spent applying WAL records in the redo process",
		},
	)

	WalRedoRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_pageserver_walredo_restarts_total",
			Help: "Total times the WAL redo child process was restarted",
		},
	)

	LayersResidentTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strata_pageserver_layers_resident_total",
			Help: "Number of layers currently resident on local disk, per timeline",
		},
		[]string{"timeline"},
	)

	EvictionRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_pageserver_eviction_runs_total",
			Help: "Total eviction sweeps run",
		},
	)

	LayersEvictedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_pageserver_layers_evicted_total",
			Help: "Total layers evicted from local disk",
		},
	)

	LayersDownloadedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_pageserver_layers_downloaded_total",
			Help: "Total on-demand layer downloads from remote storage",
		},
	)

	BasebackupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "strata_pageserver_basebackup_duration_seconds",
			Help: "Time spent building a basebackup tarball",
		},
	)

	BasebackupsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_pageserver_basebackups_total",
			Help: "Total basebackup requests served",
		},
	)
)

func init() {
	prometheus.MustRegister(VoteRequestsTotal)
	prometheus.MustRegister(AppendRequestsTotal)
	prometheus.MustRegister(AppendBytesTotal)
	prometheus.MustRegister(CommitLsn)
	prometheus.MustRegister(FlushDuration)
	prometheus.MustRegister(WalOffloadBytesTotal)
	prometheus.MustRegister(WalOffloadErrorsTotal)
	prometheus.MustRegister(PageReconstructDuration)
	prometheus.MustRegister(WalRedoDuration)
	prometheus.MustRegister(WalRedoRestartsTotal)
	prometheus.MustRegister(LayersResidentTotal)
	prometheus.MustRegister(EvictionRunsTotal)
	prometheus.MustRegister(LayersEvictedTotal)
	prometheus.MustRegister(LayersDownloadedTotal)
	prometheus.MustRegister(BasebackupDuration)
	prometheus.MustRegister(BasebackupsTotal)
}

// Handler exposes the registered metrics in the Prometheus text format.
// Building an HTTP server around it is left to callers; strata does not
// run one itself (the HTTP management surface is excluded by Non-goals).
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an in-flight operation's duration for ObserveDuration.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}
