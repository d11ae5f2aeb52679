// Package metrics exposes relay measurements to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements the recorder interfaces of the dispatch limiter, the
// conversion cache, the pipeline and the notifier.
type Collector struct {
	outcomes      *prometheus.CounterVec
	conversions   *prometheus.CounterVec
	relays        *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
	notifications *prometheus.CounterVec
	dispatchWait  *prometheus.HistogramVec
	relayLatency  prometheus.Histogram
	inFlight      prometheus.Gauge
}

// NewCollector registers every relay metric on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "link_relay_messages_total",
			Help: "Processed messages by pipeline outcome",
		}, []string{"outcome"}),
		conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "link_relay_conversions_total",
			Help: "Link conversions by result",
		}, []string{"result"}),
		relays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "link_relay_relays_total",
			Help: "Relay attempts by strategy and result",
		}, []string{"strategy", "result"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "link_relay_cache_lookups_total",
			Help: "Conversion cache lookups by result",
		}, []string{"result"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "link_relay_rate_limited_total",
			Help: "Rate-limit responses by destination",
		}, []string{"destination"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "link_relay_notifications_total",
			Help: "Operator notifications by kind",
		}, []string{"kind"}),
		dispatchWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "link_relay_dispatch_wait_seconds",
			Help:    "Time spent queued in the dispatch limiter",
			Buckets: prometheus.DefBuckets,
		}, []string{"destination"}),
		relayLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "link_relay_message_latency_seconds",
			Help:    "Time from message arrival to relayed replacement",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "link_relay_in_flight_messages",
			Help: "Messages currently being processed",
		}),
	}

	reg.MustRegister(
		c.outcomes,
		c.conversions,
		c.relays,
		c.cacheLookups,
		c.rateLimited,
		c.notifications,
		c.dispatchWait,
		c.relayLatency,
		c.inFlight,
	)

	return c
}

func (c *Collector) RecordOutcome(outcome string) {
	c.outcomes.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordConversion(result string) {
	c.conversions.WithLabelValues(result).Inc()
}

func (c *Collector) RecordRelay(strategy, result string) {
	c.relays.WithLabelValues(strategy, result).Inc()
}

func (c *Collector) RecordCacheLookup(result string) {
	c.cacheLookups.WithLabelValues(result).Inc()
}

func (c *Collector) RecordRateLimited(destination string) {
	c.rateLimited.WithLabelValues(destination).Inc()
}

func (c *Collector) RecordNotification(kind string) {
	c.notifications.WithLabelValues(kind).Inc()
}

func (c *Collector) ObserveDispatchWait(destination string, wait time.Duration) {
	c.dispatchWait.WithLabelValues(destination).Observe(wait.Seconds())
}

func (c *Collector) ObserveRelayLatency(d time.Duration) {
	c.relayLatency.Observe(d.Seconds())
}

func (c *Collector) MessageStarted() {
	c.inFlight.Inc()
}

func (c *Collector) MessageFinished() {
	c.inFlight.Dec()
}

// Handler serves the registry in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
