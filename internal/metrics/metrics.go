// Package metrics exposes an endpoint's traffic counters as Prometheus
// collectors, labeled by endpoint ID so a process hosting several
// endpoints reports each one separately.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the Quantum Duplex traffic counters defined in §6.
type Metrics struct {
	FramesSentTotal     *prometheus.CounterVec
	FramesReceivedTotal *prometheus.CounterVec
	AcksSentTotal       prometheus.Counter
	AcksReceivedTotal   prometheus.Counter

	PacketsAckedTotal        prometheus.Counter
	PacketsRetransmittedTotal prometheus.Counter
	PacketsFailedTotal        prometheus.Counter
	FastRetransmitsTotal      prometheus.Counter
	PacketsReorderedTotal     prometheus.Counter

	PacketsBuffered prometheus.Gauge
	RTT             prometheus.Histogram
	DeliveryRatio   prometheus.Gauge
}

// New registers a fresh set of collectors under namespace/subsystem and
// tagged with endpointID. Call once per open Endpoint.
func New(namespace, subsystem, endpointID string) *Metrics {
	labels := prometheus.Labels{"endpoint": endpointID}

	return &Metrics{
		FramesSentTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   subsystem,
				Name:        "frames_sent_total",
				Help:        "Total number of frames sent, by channel",
				ConstLabels: labels,
			},
			[]string{"channel"}, // reliable/unreliable
		),
		FramesReceivedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   subsystem,
				Name:        "frames_received_total",
				Help:        "Total number of frames delivered to the application, by channel",
				ConstLabels: labels,
			},
			[]string{"channel"},
		),
		AcksSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   subsystem,
				Name:        "acks_sent_total",
				Help:        "Total number of ACK control frames sent",
				ConstLabels: labels,
			},
		),
		AcksReceivedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   subsystem,
				Name:        "acks_received_total",
				Help:        "Total number of ACK control frames received",
				ConstLabels: labels,
			},
		),
		PacketsAckedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   subsystem,
				Name:        "packets_acked_total",
				Help:        "Total number of reliable frames acknowledged",
				ConstLabels: labels,
			},
		),
		PacketsRetransmittedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   subsystem,
				Name:        "packets_retransmitted_total",
				Help:        "Total number of retransmission attempts, timeout and fast combined",
				ConstLabels: labels,
			},
		),
		PacketsFailedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   subsystem,
				Name:        "packets_failed_total",
				Help:        "Total number of reliable frames that exhausted their retry budget unacknowledged",
				ConstLabels: labels,
			},
		),
		FastRetransmitsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   subsystem,
				Name:        "fast_retransmits_total",
				Help:        "Total number of retransmissions triggered by duplicate ACKs",
				ConstLabels: labels,
			},
		),
		PacketsReorderedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   subsystem,
				Name:        "packets_reordered_total",
				Help:        "Total number of reliable frames that arrived out of order",
				ConstLabels: labels,
			},
		),
		PacketsBuffered: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   subsystem,
				Name:        "packets_buffered",
				Help:        "Number of out-of-order frames currently held in the reorder buffer",
				ConstLabels: labels,
			},
		),
		RTT: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Subsystem:   subsystem,
				Name:        "rtt_seconds",
				Help:        "Round-trip time between sending a reliable frame and receiving its ACK",
				ConstLabels: labels,
				Buckets:     prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
			},
		),
		DeliveryRatio: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   subsystem,
				Name:        "delivery_ratio_percent",
				Help:        "Percentage of sent reliable frames that were eventually acknowledged",
				ConstLabels: labels,
			},
		),
	}
}

// ObserveRTT records one reliable-channel round trip.
func (m *Metrics) ObserveRTT(d time.Duration) {
	m.RTT.Observe(d.Seconds())
}
