package prometheus

import "github.com/prometheus/client_golang/prometheus"

const (
	gatewayDurationBucketStart  = 0.05
	gatewayDurationBucketFactor = 2.0
	gatewayDurationBucketCount  = 12
)

const (
	reconcileDurationBucketStart  = 0.005
	reconcileDurationBucketFactor = 2.0
	reconcileDurationBucketCount  = 12
)

const (
	kafkaLatencyBucketStart  = 1.0
	kafkaLatencyBucketFactor = 2.5
	kafkaLatencyBucketCount  = 15
)

var DispatchAttempts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dispatch_attempts_total",
		Help: "Outbound call attempts by outcome",
	},
	[]string{"outcome"},
)

var ActiveDispatchLoops = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "dispatch_active_loops",
		Help: "Dispatch loops currently running in this process",
	},
)

var DispatchLoopFailures = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "dispatch_loop_failures_total",
		Help: "Dispatch loops abandoned after exhausting their retries",
	},
)

var GatewayRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "gateway_request_duration_seconds",
		Help: "Time taken by the calling provider to answer a call request",
		Buckets: prometheus.ExponentialBuckets(
			gatewayDurationBucketStart,
			gatewayDurationBucketFactor,
			gatewayDurationBucketCount,
		),
	},
	[]string{"status_class"},
)

var ReconciledEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "reconcile_events_total",
		Help: "Inbound provider events by reconciliation result",
	},
	[]string{"source", "result"},
)

var ReconcileDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "reconcile_duration_seconds",
		Help: "Time taken to reconcile an inbound provider event",
		Buckets: prometheus.ExponentialBuckets(
			reconcileDurationBucketStart,
			reconcileDurationBucketFactor,
			reconcileDurationBucketCount,
		),
	},
	[]string{"source"},
)

var KafkaMessageLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name: "kafka_event_latency_seconds",
		Help: "Time taken from relayed event production to consumption",
		Buckets: prometheus.ExponentialBuckets(
			kafkaLatencyBucketStart,
			kafkaLatencyBucketFactor,
			kafkaLatencyBucketCount,
		),
	},
)

var MinioOperationDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "minio_operation_duration_seconds",
		Help:    "Time taken by MinIO operations",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"operation"},
)

var OperationalErrors = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "operational_errors_total",
		Help: "Errors surfaced to the operational error channel",
	},
	[]string{"component"},
)

func init() {
	prometheus.MustRegister(DispatchAttempts)
	prometheus.MustRegister(ActiveDispatchLoops)
	prometheus.MustRegister(DispatchLoopFailures)
	prometheus.MustRegister(GatewayRequestDuration)
	prometheus.MustRegister(ReconciledEvents)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(KafkaMessageLatency)
	prometheus.MustRegister(MinioOperationDuration)
	prometheus.MustRegister(OperationalErrors)
}
