package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_total", Help: "Dispatch outcomes per channel"},
		[]string{"channel", "result"},
	)
	ChannelAttemptSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "channel_attempt_seconds",
			Help:      "Latency of a single channel send attempt",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"channel"},
	)
	ChannelRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "channel_retries_total", Help: "Retried channel send attempts"},
		[]string{"channel"},
	)
	RouterMode = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "router_mode", Help: "1 for the active router mode, 0 otherwise"},
		[]string{"mode"},
	)
	ChannelOnline = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "channel_online", Help: "1 when the channel last reported healthy"},
		[]string{"channel"},
	)
	HealthChecksSkipped = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "health_checks_skipped_total", Help: "Health check ticks skipped because a check was running"},
	)
	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "claims_total", Help: "Claim attempts by result"},
		[]string{"result"},
	)
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "transitions_total", Help: "Applied ride status transitions"},
		[]string{"from", "to"},
	)
	RedispatchClaimed = promauto.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "redispatch_claimed_total", Help: "Rides claimed by the redispatch worker"},
	)
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "kafka_publish_total", Help: "Kafka publish attempts by topic and result"},
		[]string{"topic", "result"},
	)
	RideCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_cache_total", Help: "Ride cache lookups: hit, miss, error"},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// SetRouterMode flips the mode gauge so exactly one label is 1.
func SetRouterMode(active string, all []string) {
	for _, m := range all {
		v := 0.0
		if m == active {
			v = 1
		}
		RouterMode.WithLabelValues(m).Set(v)
	}
}
