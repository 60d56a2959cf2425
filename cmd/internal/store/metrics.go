package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Store-level metrics. Registered once on the default registry; shared by all
// store instances in the process (labels keep ops distinguishable).
var (
	metricWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiyomitalk_store_writes_total",
		Help: "Store mutations by operation and result.",
	}, []string{"op", "result"})

	metricFanout = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kiyomitalk_store_fanout_total",
		Help: "Subscription callbacks delivered by the store.",
	})

	metricSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kiyomitalk_store_subscriptions",
		Help: "Live store subscriptions.",
	})

	metricWSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kiyomitalk_ws_connections",
		Help: "Open websocket store sessions.",
	})
)
