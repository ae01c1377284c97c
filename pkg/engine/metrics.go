package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "audiostream"
	subsystem = "engine"
)

type metrics struct {
	transitions   *prometheus.CounterVec
	failures      *prometheus.CounterVec
	seeks         *prometheus.CounterVec
	packets       prometheus.Counter
	received      prometheus.Counter
	cachedBytes   prometheus.Gauge
	rebuffers     prometheus.Counter
	throttles     prometheus.Counter
	evictedBytes  prometheus.Counter
	bufferingTime prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "State transitions by target state.",
		}, []string{"state"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "failures_total",
			Help:      "Surfaced failures by error code.",
		}, []string{"code"}),
		seeks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "seeks_total",
			Help:      "Committed seeks, by whether they reopened the input.",
		}, []string{"mode"}),
		packets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_queued_total",
			Help:      "Packets added to the queue.",
		}),
		received: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "received_bytes_total",
			Help:      "Bytes handed to the packetizer.",
		}),
		cachedBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cached_bytes",
			Help:      "Payload bytes resident in the packet queue.",
		}),
		rebuffers: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rebuffers_total",
			Help:      "Re-entries into buffering after playback started.",
		}),
		throttles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "input_throttles_total",
			Help:      "Times the input was unscheduled because the queue was full.",
		}),
		evictedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "evicted_bytes_total",
			Help:      "Payload bytes evicted from the packet queue.",
		}),
		bufferingTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "initial_buffering_seconds",
			Help:      "Time from opening the input to completing initial buffering.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
}
