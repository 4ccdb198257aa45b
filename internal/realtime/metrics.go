package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parley_active_connections",
		Help: "Number of live transport connections in the registry.",
	})
	metricBroadcastDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_broadcast_delivered_total",
		Help: "Messages delivered to individual subscribed connections.",
	})
	metricBroadcastFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_broadcast_failed_total",
		Help: "Per-connection sends that failed or timed out during broadcast.",
	})
	metricStaleConnectionsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_stale_connections_swept_total",
		Help: "Connections removed by the idle sweep.",
	})
)
