package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "storymap"
	relaySubsystem   = "relay"
)

// Drop reasons recorded by DroppedFrames.
const (
	dropRateLimited  = "rate_limited"
	dropMalformed    = "malformed"
	dropSlowConsumer = "slow_consumer"
)

// Metrics instruments rooms and connections. Construct it with a nil
// registerer to get unregistered metrics, which tests do.
type Metrics struct {
	Connections   prometheus.Gauge
	Rooms         prometheus.Gauge
	Frames        *prometheus.CounterVec
	DroppedFrames *prometheus.CounterVec
	PersistErrors prometheus.Counter
	FlushSeconds  *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "connections",
			Help:      "Open websocket connections",
		}),
		Rooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "rooms",
			Help:      "Maps with at least one connected client",
		}),
		Frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "frames_total",
			Help:      "Frames received from clients by type",
		}, []string{"type"}),
		DroppedFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "dropped_frames_total",
			Help:      "Frames dropped by reason",
		}, []string{"reason"}),
		PersistErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "persist_errors_total",
			Help:      "Updates that could not be appended to the store",
		}),
		FlushSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: relaySubsystem,
			Name:      "flush_seconds",
			Help:      "Time spent flushing a room snapshot",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
	}
}
