package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	domain "github.com/nweb-io/indexer/internal/domain/submissions"
)

var (
	windowEvents = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "indexer_window_events",
			Help:    "Attestation events observed per scan window",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		},
	)
	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "indexer_submissions_total", Help: "Submissions reaching a terminal status"},
		[]string{"status"},
	)
	submissionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "indexer_submission_duration_seconds", Help: "Per-submission processing latency", Buckets: prometheus.DefBuckets},
		[]string{"status"},
	)
	checkpointBlock = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "indexer_checkpoint_block", Help: "Last block covered by the committed checkpoint"},
	)
)

func init() {
	prometheus.MustRegister(windowEvents, submissionsTotal, submissionDuration, checkpointBlock)
}

// Pipeline feeds the default prometheus registry from the indexing loop.
type Pipeline struct{}

func New() *Pipeline { return &Pipeline{} }

func (Pipeline) WindowScanned(events int) {
	windowEvents.Observe(float64(events))
}

func (Pipeline) SubmissionFinished(status domain.Status, seconds float64) {
	submissionsTotal.WithLabelValues(string(status)).Inc()
	submissionDuration.WithLabelValues(string(status)).Observe(seconds)
}

func (Pipeline) CheckpointAdvanced(block uint64) {
	checkpointBlock.Set(float64(block))
}
