// Package metrics exports poll cycle outcomes as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"inbox-watcher/internal/models"
)

const namespace = "inbox_watcher"

// Reporter implements models.Reporter with Prometheus collectors.
type Reporter struct {
	cycles      *prometheus.CounterVec
	newMessages *prometheus.CounterVec
	evicted     *prometheus.CounterVec
	seen        *prometheus.GaugeVec
	lastPoll    *prometheus.GaugeVec
	duration    *prometheus.HistogramVec
}

// NewReporter registers the collectors with reg.
func NewReporter(reg prometheus.Registerer) *Reporter {
	factory := promauto.With(reg)
	return &Reporter{
		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Poll cycles by account and outcome",
		}, []string{"account", "outcome"}),
		newMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "new_messages_total",
			Help:      "Messages delivered for the first time",
		}, []string{"account"}),
		evicted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "seen_evictions_total",
			Help:      "Message IDs evicted from the seen set to respect its capacity",
		}, []string{"account"}),
		seen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "seen_set_size",
			Help:      "Message IDs currently remembered per account",
		}, []string{"account"}),
		lastPoll: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_poll_timestamp_seconds",
			Help:      "Start time of the last completed poll cycle",
		}, []string{"account"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of completed poll cycles",
			Buckets:   prometheus.DefBuckets,
		}, []string{"account"}),
	}
}

func (r *Reporter) Report(report models.CycleReport) {
	r.cycles.WithLabelValues(report.AccountID, string(report.Outcome)).Inc()
	if report.Outcome == models.OutcomeSkipped {
		return
	}

	r.newMessages.WithLabelValues(report.AccountID).Add(float64(report.NewMessages))
	r.evicted.WithLabelValues(report.AccountID).Add(float64(report.Evicted))
	r.seen.WithLabelValues(report.AccountID).Set(float64(report.SeenCount))
	r.duration.WithLabelValues(report.AccountID).Observe(report.Duration.Seconds())
	if !report.StartedAt.IsZero() {
		r.lastPoll.WithLabelValues(report.AccountID).Set(float64(report.StartedAt.Unix()))
	}
}

// Forget drops every series of a removed account.
func (r *Reporter) Forget(accountID string) {
	labels := prometheus.Labels{"account": accountID}
	r.cycles.DeletePartialMatch(labels)
	r.newMessages.DeletePartialMatch(labels)
	r.evicted.DeletePartialMatch(labels)
	r.seen.DeletePartialMatch(labels)
	r.lastPoll.DeletePartialMatch(labels)
	r.duration.DeletePartialMatch(labels)
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// MultiReporter forwards every report to each of its reporters.
type MultiReporter []models.Reporter

func (m MultiReporter) Report(report models.CycleReport) {
	for _, r := range m {
		if r != nil {
			r.Report(report)
		}
	}
}
