package pool

import (
	"time"

	"github.com/lsm/fiso-ingest/internal/observability"
)

// poolMetrics binds observability.Metrics to one bridge. A nil Metrics
// records nothing.
type poolMetrics struct {
	m      *observability.Metrics
	bridge string
}

func (pm poolMetrics) state(s State) {
	if pm.m != nil {
		pm.m.PoolState.WithLabelValues(pm.bridge).Set(float64(s))
	}
}

func (pm poolMetrics) leases(n int) {
	if pm.m != nil {
		pm.m.LeasesActive.WithLabelValues(pm.bridge).Set(float64(n))
	}
}

func (pm poolMetrics) denied(reason string) {
	if pm.m != nil {
		pm.m.LeaseDenials.WithLabelValues(pm.bridge, reason).Inc()
	}
}

func (pm poolMetrics) forwarded(stream string) {
	if pm.m != nil {
		pm.m.EventsForwarded.WithLabelValues(pm.bridge, stream).Inc()
	}
}

func (pm poolMetrics) emptyRead() {
	if pm.m != nil {
		pm.m.EmptyReads.WithLabelValues(pm.bridge).Inc()
	}
}

func (pm poolMetrics) fault(stage string) {
	if pm.m != nil {
		pm.m.ReaderFaults.WithLabelValues(pm.bridge, stage).Inc()
	}
}

func (pm poolMetrics) sinkError(kind string) {
	if pm.m != nil {
		pm.m.SinkDeliveryErrors.WithLabelValues(pm.bridge, kind).Inc()
	}
}

func (pm poolMetrics) checkpoint(result CheckpointResult, d time.Duration) {
	if pm.m != nil {
		pm.m.Checkpoints.WithLabelValues(pm.bridge, result.String()).Inc()
		pm.m.CheckpointDuration.WithLabelValues(pm.bridge, result.String()).Observe(d.Seconds())
	}
}

func (pm poolMetrics) forced(n int) {
	if pm.m != nil && n > 0 {
		pm.m.ForcedShutdowns.WithLabelValues(pm.bridge).Add(float64(n))
	}
}
