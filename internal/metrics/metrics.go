// Package metrics exposes Prometheus instrumentation for the job queue, the
// classifier and the identification handler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/reqident/internal/queue"
)

// Metrics implements queue.Observer, classifier.Observer and identify.Observer.
type Metrics struct {
	JobsEnqueued *prometheus.CounterVec
	JobsFinished *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec

	ClassifierCalls   *prometheus.CounterVec
	ClassifierRetries prometheus.Counter
	ClassifierLatency prometheus.Histogram
	ClassifierCostUSD *prometheus.CounterVec

	LinksCreated    *prometheus.CounterVec
	ArticlesSkipped prometheus.Counter
}

// New registers all metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reqident_jobs_enqueued_total",
			Help: "Jobs admitted to a queue",
		}, []string{"queue"}),
		JobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reqident_jobs_finished_total",
			Help: "Jobs that reached a terminal state",
		}, []string{"queue", "state"}),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reqident_job_duration_seconds",
			Help:    "Wall time spent running a job handler",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"queue"}),
		ClassifierCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reqident_classifier_calls_total",
			Help: "Article classifications by verdict",
		}, []string{"verdict"}),
		ClassifierRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "reqident_classifier_retries_total",
			Help: "Classifier calls retried after a rate limit",
		}),
		ClassifierLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "reqident_classifier_latency_seconds",
			Help:    "Latency of a classification including retries",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}),
		ClassifierCostUSD: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reqident_classifier_cost_usd_total",
			Help: "Estimated Anthropic spend of classifications",
		}, []string{"model"}),
		LinksCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reqident_links_created_total",
			Help: "Requirement to article links by classification",
		}, []string{"classification"}),
		ArticlesSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "reqident_articles_skipped_total",
			Help: "Articles skipped because classification or linking failed",
		}),
	}
}

// Handler serves the metrics in g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) JobEnqueued(q string) {
	m.JobsEnqueued.WithLabelValues(q).Inc()
}

func (m *Metrics) JobFinished(q string, state queue.State, d time.Duration) {
	m.JobsFinished.WithLabelValues(q, string(state)).Inc()
	// Cancels of active jobs report no duration.
	if d > 0 {
		m.JobDuration.WithLabelValues(q).Observe(d.Seconds())
	}
}

// ClassificationDone records one finished classification. verdict is one of
// obligatory, complementary, none or error.
func (m *Metrics) ClassificationDone(verdict string, d time.Duration) {
	m.ClassifierCalls.WithLabelValues(verdict).Inc()
	m.ClassifierLatency.Observe(d.Seconds())
}

func (m *Metrics) ClassificationRetried() {
	m.ClassifierRetries.Inc()
}

func (m *Metrics) ClassificationCost(model string, usd float64) {
	m.ClassifierCostUSD.WithLabelValues(model).Add(usd)
}

func (m *Metrics) LinkCreated(classification string) {
	m.LinksCreated.WithLabelValues(classification).Inc()
}

func (m *Metrics) ArticleSkipped() {
	m.ArticlesSkipped.Inc()
}
