package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hcfstream"

var (
	// ledger listener
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "events_ingested_total",
		Help:      "Ledger events by kind and result (inserted|duplicate|removed).",
	}, []string{"kind", "result"})

	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "decode_errors_total",
		Help:      "Logs that failed to decode, by kind.",
	}, []string{"kind"})

	StreamWatermark = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "stream_watermark_block",
		Help:      "Last fully processed block per listener stream.",
	}, []string{"stream"})

	StreamReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "stream_reconnects_total",
		Help:      "Subscription restarts per listener stream.",
	}, []string{"stream"})

	RPCLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "rpc_latency_seconds",
		Help:      "Latency of ledger RPC probes.",
		Buckets:   prometheus.DefBuckets,
	})

	// aggregator
	Recomputes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "recomputes_total",
		Help:      "Scope recomputations by scope kind and result (ok|stale|error).",
	}, []string{"scope", "result"})

	RecomputeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "recompute_duration_seconds",
		Help:      "Duration of scope recomputations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"scope"})

	TriggersCoalesced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "triggers_coalesced_total",
		Help:      "Triggers absorbed by a pending or running recomputation.",
	}, []string{"scope"})

	StaleScopes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "aggregator",
		Name:      "stale_scopes",
		Help:      "Scopes without a successful recomputation for more than twice the snapshot TTL.",
	})

	// alerting
	AlertsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "created_total",
		Help:      "Alert records created by rule and severity.",
	}, []string{"rule", "severity"})

	AlertsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "suppressed_total",
		Help:      "Alert candidates dropped by the cool-down window.",
	}, []string{"rule"})

	RuleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "rule_errors_total",
		Help:      "Rule evaluation failures.",
	}, []string{"rule"})

	SinkDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "sink_dispatch_total",
		Help:      "Sink deliveries by sink and result (ok|error).",
	}, []string{"sink", "result"})

	SinkRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "sink_dispatch_rejected_total",
		Help:      "Sink deliveries dropped because the dispatch queue was full.",
	}, []string{"sink"})

	// in-process bus
	BusDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "dropped_total",
		Help:      "Messages dropped for lossy subscribers with a full buffer.",
	}, []string{"subscriber"})

	// broadcast
	BroadcastDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broadcast",
		Name:      "delivered_total",
		Help:      "Envelopes queued to subscribers per topic family.",
	}, []string{"topic"})

	BroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broadcast",
		Name:      "slow_consumer_disconnects_total",
		Help:      "Connections dropped because their send queue was full.",
	})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "broadcast",
		Name:      "ws_connections",
		Help:      "Open websocket connections.",
	})

	// archive
	ArchiveRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "archive",
		Name:      "rows_total",
		Help:      "ClickHouse archive rows by result (ok|error).",
	}, []string{"result"})

	// operator api
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "HTTP requests by method and status class.",
	}, []string{"method", "code"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter, by bucket (ip|jwt).",
	}, []string{"bucket"})
)

func Handler() http.Handler {
	h := promhttp.Handler()
	return h
}

// ObserveArchiveFlush matches the clickhouse writer flush hook
func ObserveArchiveFlush(rows int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ArchiveRows.WithLabelValues(result).Add(float64(rows))
}
