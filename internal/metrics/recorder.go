// Package metrics records pipeline metrics in Prometheus form.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mentionbot"

// Recorder owns its registry so that several pipelines (and tests) never
// collide on the global one. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	cyclesTotal       *prometheus.CounterVec
	cycleDuration     prometheus.Histogram
	mentionsTotal     *prometheus.CounterVec
	failuresTotal     *prometheus.CounterVec
	dispatchDuration  *prometheus.HistogramVec
	repliesTotal      *prometheus.CounterVec
	trackedMentions   prometheus.Gauge
	lastCycleUnixTime prometheus.Gauge
}

func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		cyclesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Poll cycles by status (ok, fetch_error, skipped)",
			},
			[]string{"status"},
		),
		cycleDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of completed poll cycles",
				Buckets:   prometheus.DefBuckets,
			},
		),
		mentionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mentions_total",
				Help:      "Mentions handled by outcome (text, deferred, failure, skipped, duplicate, panic)",
			},
			[]string{"outcome"},
		),
		failuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failures_total",
				Help:      "Failure outcomes by kind",
			},
			[]string{"kind"},
		),
		dispatchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Time spent dispatching one command, by command kind",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"command"},
		),
		repliesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replies_total",
				Help:      "Reply attempts by status",
			},
			[]string{"status"},
		),
		trackedMentions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tracked_mentions",
				Help:      "Mention ids currently held by the idempotency tracker",
			},
		),
		lastCycleUnixTime: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_cycle_timestamp_seconds",
				Help:      "Unix time the last cycle finished",
			},
		),
	}
}

func (r *Recorder) ObserveCycle(status string, d time.Duration) {
	if r == nil {
		return
	}
	r.cyclesTotal.WithLabelValues(status).Inc()
	if status == "skipped" {
		return
	}
	r.cycleDuration.Observe(d.Seconds())
	r.lastCycleUnixTime.SetToCurrentTime()
}

func (r *Recorder) IncMention(outcome string) {
	if r == nil {
		return
	}
	r.mentionsTotal.WithLabelValues(outcome).Inc()
}

func (r *Recorder) IncFailure(kind string) {
	if r == nil {
		return
	}
	r.failuresTotal.WithLabelValues(kind).Inc()
}

func (r *Recorder) ObserveDispatch(command string, d time.Duration) {
	if r == nil {
		return
	}
	r.dispatchDuration.WithLabelValues(command).Observe(d.Seconds())
}

func (r *Recorder) IncReply(ok bool) {
	if r == nil {
		return
	}
	status := "sent"
	if !ok {
		status = "error"
	}
	r.repliesTotal.WithLabelValues(status).Inc()
}

func (r *Recorder) SetTracked(n int) {
	if r == nil {
		return
	}
	r.trackedMentions.Set(float64(n))
}

// Registry exposes the underlying registry for tests and extra collectors.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
