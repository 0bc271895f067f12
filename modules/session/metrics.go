package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "smtchost"

var (
	metricStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "session_status",
		Help:      "Published logical status, 1 for the current one.",
	}, []string{"status"})

	metricEngineEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "engine_events_total",
		Help:      "Media engine events consumed.",
	}, []string{"kind"})

	metricWatchdogTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "startup_timeouts_total",
		Help:      "Streams failed by the startup watchdog.",
	})

	metricStaleUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "stale_updates_total",
		Help:      "Monitor or watchdog updates discarded because the session moved on.",
	})

	metricICYBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "icy_metadata_blocks_total",
		Help:      "Non-empty ICY metadata blocks read.",
	})

	metricICYReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "icy_reconnects_total",
		Help:      "ICY monitor reconnect attempts.",
	})

	metricICYUnsupported = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "icy_unsupported_total",
		Help:      "Streams without ICY metadata support.",
	})
)

func setStatusMetric(s LogicalStatus) {
	for _, st := range []LogicalStatus{Stopped, Connecting, Playing, Paused} {
		v := 0.0
		if st == s {
			v = 1
		}
		metricStatus.WithLabelValues(st.String()).Set(v)
	}
}
