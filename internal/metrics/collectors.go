package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"calsync/internal/cache"
	"calsync/internal/ratelimit"
	"calsync/internal/retry"
)

var (
	bucketTokensDesc = prometheus.NewDesc("calsync_ratelimit_tokens",
		"Tokens currently available.", []string{"bucket"}, nil)
	bucketRequestsDesc = prometheus.NewDesc("calsync_ratelimit_requests_total",
		"Consume calls.", []string{"bucket"}, nil)
	bucketThrottledDesc = prometheus.NewDesc("calsync_ratelimit_throttled_total",
		"Consume calls that had to wait or were refused.", []string{"bucket"}, nil)

	cacheHitsDesc = prometheus.NewDesc("calsync_cache_hits_total",
		"Cache hits.", []string{"cache"}, nil)
	cacheMissesDesc = prometheus.NewDesc("calsync_cache_misses_total",
		"Cache misses.", []string{"cache"}, nil)
	cacheSizeDesc = prometheus.NewDesc("calsync_cache_entries",
		"Entries held.", []string{"cache"}, nil)

	breakerOpenDesc = prometheus.NewDesc("calsync_breaker_open",
		"1 when the circuit is open.", []string{"scope"}, nil)
	breakerErrorsDesc = prometheus.NewDesc("calsync_breaker_consecutive_errors",
		"Consecutive failed calls.", []string{"scope"}, nil)
)

type bucketCollector struct {
	buckets []*ratelimit.Bucket
}

func (c *bucketCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- bucketTokensDesc
	ch <- bucketRequestsDesc
	ch <- bucketThrottledDesc
}

func (c *bucketCollector) Collect(ch chan<- prometheus.Metric) {
	for _, b := range c.buckets {
		st := b.Stats()
		ch <- prometheus.MustNewConstMetric(bucketTokensDesc, prometheus.GaugeValue, st.Tokens, st.Name)
		ch <- prometheus.MustNewConstMetric(bucketRequestsDesc, prometheus.CounterValue, float64(st.Requests), st.Name)
		ch <- prometheus.MustNewConstMetric(bucketThrottledDesc, prometheus.CounterValue, float64(st.Throttled), st.Name)
	}
}

type cacheCollector struct {
	stats func() []cache.Stats
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- cacheHitsDesc
	ch <- cacheMissesDesc
	ch <- cacheSizeDesc
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.stats() {
		ch <- prometheus.MustNewConstMetric(cacheHitsDesc, prometheus.CounterValue, float64(st.Hits), st.Name)
		ch <- prometheus.MustNewConstMetric(cacheMissesDesc, prometheus.CounterValue, float64(st.Misses), st.Name)
		ch <- prometheus.MustNewConstMetric(cacheSizeDesc, prometheus.GaugeValue, float64(st.Size), st.Name)
	}
}

type breakerCollector struct {
	breakers *retry.Breakers
}

func (c *breakerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- breakerOpenDesc
	ch <- breakerErrorsDesc
}

func (c *breakerCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.breakers.States() {
		open := 0.0
		if st.Open {
			open = 1
		}
		ch <- prometheus.MustNewConstMetric(breakerOpenDesc, prometheus.GaugeValue, open, st.Scope)
		ch <- prometheus.MustNewConstMetric(breakerErrorsDesc, prometheus.GaugeValue, float64(st.ConsecutiveErrors), st.Scope)
	}
}
