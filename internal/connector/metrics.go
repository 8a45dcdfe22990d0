package connector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPacketsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connector_packets_received_total",
		Help: "Packets received from peers",
	}, []string{"type"})

	metricPacketsForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "connector_packets_forwarded_total",
		Help: "Prepares forwarded to a downstream peer",
	})

	metricPacketsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "connector_packets_delivered_total",
		Help: "Prepares delivered to the local payment handler",
	})

	metricRejectsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connector_rejects_sent_total",
		Help: "Rejects sent upstream, by wire code",
	}, []string{"code"})

	metricPendingPrepares = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "connector_pending_prepares",
		Help: "In-flight forwarded prepares awaiting a response",
	})

	metricFulfillLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "connector_fulfill_latency_seconds",
		Help:    "Time from forwarding a prepare to receiving its fulfill",
		Buckets: prometheus.DefBuckets,
	})
)
