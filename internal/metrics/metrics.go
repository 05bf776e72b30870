package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "threadsync_messages_sent_total",
			Help: "Messages confirmed by persistence.",
		},
	)

	MessagesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "threadsync_messages_failed_total",
			Help: "Messages whose persistence failed.",
		},
	)

	Streams = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadsync_streams_total",
			Help: "Assistant reply streams by outcome.",
		},
		[]string{"outcome"},
	)

	RealtimeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadsync_realtime_events_total",
			Help: "Realtime events received by the engine, by kind and result.",
		},
		[]string{"kind", "result"},
	)

	TitleGenerations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadsync_title_generations_total",
			Help: "Thread title generations by outcome.",
		},
		[]string{"outcome"},
	)

	ActiveEngines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "threadsync_active_engines",
			Help: "Conversation engines currently open.",
		},
	)
)

const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeStalled   = "stalled"
	OutcomeCancelled = "cancelled"

	ResultApplied = "applied"
	ResultDeduped = "deduplicated"
	ResultIgnored = "ignored"
)

func init() {
	prometheus.MustRegister(MessagesSent)
	prometheus.MustRegister(MessagesFailed)
	prometheus.MustRegister(Streams)
	prometheus.MustRegister(RealtimeEvents)
	prometheus.MustRegister(TitleGenerations)
	prometheus.MustRegister(ActiveEngines)
}
