package monitoring

import "github.com/prometheus/client_golang/prometheus"

var (
	CyclesPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veritel_telemetry_cycles_published_total",
			Help: "Total telemetry cycles that produced a signed publication",
		},
	)

	CycleFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veritel_telemetry_cycle_failures_total",
			Help: "Telemetry cycles aborted before publication, by stage",
		},
		[]string{"stage"},
	)

	LastPublishTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "veritel_telemetry_last_publish_timestamp_seconds",
			Help: "Identity timestamp of the most recent publication",
		},
	)

	DevicesReported = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "veritel_telemetry_devices_reported",
			Help: "Accelerator count in the most recent publication",
		},
	)

	CollectDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "veritel_telemetry_collect_duration_seconds",
			Help:    "Wall time of one full telemetry collection",
			Buckets: prometheus.DefBuckets,
		},
	)

	ServingQueryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veritel_serving_query_failures_total",
			Help: "Failed serving engine statistic queries, by statistic",
		},
		[]string{"stat"},
	)

	NodePhase = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "veritel_node_phase",
			Help: "Registration lifecycle phase: 0 unregistered, 1 registered, 2 republished",
		},
	)

	MessagesAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veritel_gossip_messages_accepted_total",
			Help: "Peer telemetry messages that passed verification",
		},
	)

	MessagesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veritel_gossip_messages_rejected_total",
			Help: "Peer telemetry messages rejected during verification, by reason",
		},
		[]string{"reason"},
	)

	EngineRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veritel_engine_restarts_total",
			Help: "Serving engine container restarts performed by the supervisor",
		},
	)
)

func init() {
	prometheus.MustRegister(CyclesPublished)
	prometheus.MustRegister(CycleFailures)
	prometheus.MustRegister(LastPublishTimestamp)
	prometheus.MustRegister(DevicesReported)
	prometheus.MustRegister(CollectDuration)
	prometheus.MustRegister(ServingQueryFailures)
	prometheus.MustRegister(NodePhase)
	prometheus.MustRegister(MessagesAccepted)
	prometheus.MustRegister(MessagesRejected)
	prometheus.MustRegister(EngineRestarts)
}

func RecordCycleFailure(stage string) {
	CycleFailures.WithLabelValues(stage).Inc()
}

func RecordRejection(reason string) {
	MessagesRejected.WithLabelValues(reason).Inc()
}
