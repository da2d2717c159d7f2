package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine metrics, exposed on /metrics
var (
	ActiveRooms = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "notesync_active_rooms",
		Help: "Rooms currently resident in memory",
	}, []string{"kind"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notesync_active_sessions",
		Help: "Open WebSocket sessions",
	})

	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notesync_messages_total",
		Help: "Inbound messages applied by rooms",
	}, []string{"kind", "type"})

	ProtocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notesync_protocol_errors_total",
		Help: "Inbound messages dropped (malformed, unknown type, wrong phase, read-only, rate limited)",
	}, []string{"reason"})

	FlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notesync_flushes_total",
		Help: "Room flushes to the document store",
	}, []string{"kind", "result"})

	FlushDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "notesync_flush_duration_seconds",
		Help:    "Duration of one room flush",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"kind"})

	FlushDataLoss = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notesync_flush_data_loss_total",
		Help: "Rooms destroyed with unflushed state after the retry budget ran out",
	}, []string{"kind"})

	SlowConsumerDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notesync_slow_consumer_disconnects_total",
		Help: "Sessions disconnected because their outbound buffer was full",
	})

	LockGrants = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notesync_lock_requests_total",
		Help: "Initialization lock requests by outcome",
	}, []string{"kind", "result"})
)
