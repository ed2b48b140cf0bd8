package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job lifecycle metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_jobs_total",
			Help: "Total number of jobs by kind and status",
		},
		[]string{"kind", "status"},
	)

	JobTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_job_transitions_total",
			Help: "Total number of status transitions by to-status and source",
		},
		[]string{"to_status", "source"},
	)

	JobTransitionRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_job_transition_rejected_total",
			Help: "Total number of illegal transitions rejected by the Job Status Service",
		},
		[]string{"from_status", "to_status"},
	)

	// Lease metrics
	LeaseAcquireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_lease_acquire_total",
			Help: "Total number of TryAcquire calls by result",
		},
		[]string{"result"},
	)

	LeaseRefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_lease_refresh_duration_seconds",
			Help:    "Time taken to refresh a lease",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Tracker scrape metrics
	ScrapeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_scrape_duration_seconds",
			Help:    "Time taken to aggregate a tracker scrape across all trackers",
			Buckets: prometheus.DefBuckets,
		},
	)

	ScrapeTrackersSuccess = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_scrape_trackers_success",
			Help:    "Number of trackers that responded successfully per scrape",
			Buckets: []float64{0, 1, 2, 3, 4, 5, 8, 12},
		},
	)

	// Download worker metrics
	DownloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_download_duration_seconds",
			Help:    "Time taken to complete a torrent download",
			Buckets: []float64{1, 5, 30, 60, 300, 900, 1800, 3600, 7200},
		},
	)

	DownloadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_download_bytes_total",
			Help: "Total bytes downloaded across all jobs",
		},
	)

	// Upload worker metrics
	UploadPartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_upload_parts_total",
			Help: "Total number of parts uploaded by provider",
		},
		[]string{"provider"},
	)

	UploadSessionRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_upload_session_restarts_total",
			Help: "Total number of times an upload session was rejected and restarted",
		},
		[]string{"provider"},
	)

	UploadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_upload_duration_seconds",
			Help:    "Time taken to upload one file, by provider",
			Buckets: []float64{1, 5, 30, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"provider"},
	)

	// Orphan recovery metrics
	RecoveryCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_recovery_cycles_total",
			Help: "Total number of orphan-recovery monitor cycles completed",
		},
	)

	RecoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_recovery_duration_seconds",
			Help:    "Time taken for one recovery cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobsRecoveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_recovered_total",
			Help: "Total number of jobs recovered by the orphan monitor, by prior status",
		},
		[]string{"prior_status"},
	)

	// Queue runtime metrics
	QueueEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_queue_enqueued_total",
			Help: "Total number of items enqueued by queue name",
		},
		[]string{"queue"},
	)

	QueueDispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_queue_dispatch_duration_seconds",
			Help:    "Time a handler took to process a dequeued item",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobTransitionsTotal)
	prometheus.MustRegister(JobTransitionRejectedTotal)
	prometheus.MustRegister(LeaseAcquireTotal)
	prometheus.MustRegister(LeaseRefreshDuration)
	prometheus.MustRegister(ScrapeDuration)
	prometheus.MustRegister(ScrapeTrackersSuccess)
	prometheus.MustRegister(DownloadDuration)
	prometheus.MustRegister(DownloadBytesTotal)
	prometheus.MustRegister(UploadPartsTotal)
	prometheus.MustRegister(UploadSessionRestartsTotal)
	prometheus.MustRegister(UploadDuration)
	prometheus.MustRegister(RecoveryCyclesTotal)
	prometheus.MustRegister(RecoveryDuration)
	prometheus.MustRegister(JobsRecoveredTotal)
	prometheus.MustRegister(QueueEnqueuedTotal)
	prometheus.MustRegister(QueueDispatchDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
