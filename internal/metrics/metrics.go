// Package metrics exposes engine metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"calsync/internal/cache"
	"calsync/internal/model"
	"calsync/internal/ratelimit"
	"calsync/internal/retry"
)

// Recorder is what the coordinator, scheduler and notifier report into.
type Recorder interface {
	RecordCycle(outcome string, d time.Duration)
	RecordChanges(added, removed int)
	RecordSourceFetch(typ model.SourceType, outcome string)
	RecordJobRun(job string, ok bool)
	RecordNotificationDropped(queue string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordCycle(string, time.Duration) {}

func (Nop) RecordChanges(int, int) {}

func (Nop) RecordSourceFetch(model.SourceType, string) {}

func (Nop) RecordJobRun(string, bool) {}

func (Nop) RecordNotificationDropped(string) {}

type Collector struct {
	reg prometheus.Registerer

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	changes       *prometheus.CounterVec
	sourceFetches *prometheus.CounterVec
	jobRuns       *prometheus.CounterVec
	dropped       *prometheus.CounterVec
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		reg: reg,
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calsync_cycles_total",
			Help: "Sync cycles by outcome.",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "calsync_cycle_duration_seconds",
			Help:    "Duration of one sync cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calsync_changes_total",
			Help: "Detected event changes by kind.",
		}, []string{"kind"}),
		sourceFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calsync_source_fetches_total",
			Help: "Source fetches by type and outcome.",
		}, []string{"type", "outcome"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calsync_job_runs_total",
			Help: "Scheduled job runs by job and result.",
		}, []string{"job", "result"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calsync_notifications_dropped_total",
			Help: "Notifications dropped because the queue was full.",
		}, []string{"queue"}),
	}

	reg.MustRegister(
		c.cycles,
		c.cycleDuration,
		c.changes,
		c.sourceFetches,
		c.jobRuns,
		c.dropped,
	)
	return c
}

func (c *Collector) RecordCycle(outcome string, d time.Duration) {
	c.cycles.WithLabelValues(outcome).Inc()
	c.cycleDuration.Observe(d.Seconds())
}

func (c *Collector) RecordChanges(added, removed int) {
	c.changes.WithLabelValues("added").Add(float64(added))
	c.changes.WithLabelValues("removed").Add(float64(removed))
}

func (c *Collector) RecordSourceFetch(typ model.SourceType, outcome string) {
	c.sourceFetches.WithLabelValues(string(typ), outcome).Inc()
}

func (c *Collector) RecordJobRun(job string, ok bool) {
	result := "success"
	if !ok {
		result = "error"
	}
	c.jobRuns.WithLabelValues(job, result).Inc()
}

func (c *Collector) RecordNotificationDropped(queue string) {
	c.dropped.WithLabelValues(queue).Inc()
}

// WatchBuckets exports token levels and throttle counts of the buckets.
func (c *Collector) WatchBuckets(buckets ...*ratelimit.Bucket) {
	c.reg.MustRegister(&bucketCollector{buckets: buckets})
}

// WatchCaches exports hit/miss/size for anything that reports cache stats.
func (c *Collector) WatchCaches(stats func() []cache.Stats) {
	c.reg.MustRegister(&cacheCollector{stats: stats})
}

// WatchBreakers exports open state and error counts per breaker scope.
func (c *Collector) WatchBreakers(bs *retry.Breakers) {
	c.reg.MustRegister(&breakerCollector{breakers: bs})
}

// Handler serves the registry for Prometheus scrapes.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
