package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the relay exports.
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsOpened  prometheus.Counter
	SessionsClosed  prometheus.Counter
	SessionDuration prometheus.Histogram

	// Frame metrics
	FramesReceived  prometheus.Counter
	FramesForwarded prometheus.Counter
	FramesDropped   *prometheus.CounterVec
	FrameSize       prometheus.Histogram

	// Control metrics
	Commands *prometheus.CounterVec

	// Model update metrics
	ModelChecks  *prometheus.CounterVec
	ModelUploads *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Pass a fresh
// prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Current number of registered streaming sessions",
		}),
		SessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_opened_total",
			Help: "Total number of sessions registered",
		}),
		SessionsClosed: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_closed_total",
			Help: "Total number of sessions torn down",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_session_duration_seconds",
			Help:    "Lifetime of streaming sessions",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 4 * 3600},
		}),
		FramesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_received_total",
			Help: "Total number of binary messages read from streams",
		}),
		FramesForwarded: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_forwarded_total",
			Help: "Total number of decoded frames handed to the sink",
		}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_frames_dropped_total",
			Help: "Frames not forwarded, by reason",
		}, []string{"reason"}),
		FrameSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_frame_size_bytes",
			Help:    "Encoded size of received frames",
			Buckets: prometheus.ExponentialBuckets(4<<10, 2, 10),
		}),
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_commands_total",
			Help: "Commands dispatched to sessions, by command and result",
		}, []string{"command", "result"}),
		ModelChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_model_checks_total",
			Help: "Model version checks, by whether an update was required",
		}, []string{"update_required"}),
		ModelUploads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_model_uploads_total",
			Help: "Model uploads, by result",
		}, []string{"result"}),
	}
}

// Nop returns metrics registered on a throwaway registry.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
