package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the fiso-ingest Prometheus metrics. Every series carries the
// bridge name.
type Metrics struct {
	PoolState          *prometheus.GaugeVec
	LeasesActive       *prometheus.GaugeVec
	LeaseDenials       *prometheus.CounterVec
	EventsForwarded    *prometheus.CounterVec
	EmptyReads         *prometheus.CounterVec
	ReaderFaults       *prometheus.CounterVec
	Checkpoints        *prometheus.CounterVec
	CheckpointDuration *prometheus.HistogramVec
	ForcedShutdowns    *prometheus.CounterVec
	SinkDeliveryErrors *prometheus.CounterVec
	Triggers           *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PoolState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fiso_ingest_pool_state",
			Help: "Consumer pool lifecycle state (0 uninitialized, 1 ready, 2 draining, 3 closed).",
		}, []string{"bridge"}),

		LeasesActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fiso_ingest_leases_active",
			Help: "Readers currently leased to trigger invocations.",
		}, []string{"bridge"}),

		LeaseDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fiso_ingest_lease_denials_total",
			Help: "Lease requests that returned no lease.",
		}, []string{"bridge", "reason"}),

		EventsForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fiso_ingest_events_forwarded_total",
			Help: "Events forwarded to the sink.",
		}, []string{"bridge", "stream"}),

		EmptyReads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fiso_ingest_empty_reads_total",
			Help: "Read cycles that forwarded nothing.",
		}, []string{"bridge"}),

		ReaderFaults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fiso_ingest_reader_faults_total",
			Help: "Readers discarded after a failure.",
		}, []string{"bridge", "stage"}),

		Checkpoints: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fiso_ingest_checkpoints_total",
			Help: "Checkpoint attempts by result.",
		}, []string{"bridge", "result"}),

		CheckpointDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fiso_ingest_checkpoint_duration_seconds",
			Help:    "Time from checkpoint request to resolution.",
			Buckets: prometheus.DefBuckets,
		}, []string{"bridge", "result"}),

		ForcedShutdowns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fiso_ingest_forced_shutdowns_total",
			Help: "Leases force-closed after the graceful shutdown timeout.",
		}, []string{"bridge"}),

		SinkDeliveryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fiso_ingest_sink_delivery_errors_total",
			Help: "Sink delivery failures.",
		}, []string{"bridge", "sink"}),

		Triggers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fiso_ingest_triggers_total",
			Help: "Trigger invocations by outcome.",
		}, []string{"bridge", "outcome"}),
	}
}
