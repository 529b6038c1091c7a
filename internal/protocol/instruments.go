package protocol

import (
	"time"

	"CfdDaemon/internal/observability"
)

// instruments wraps the optional metrics handle so actors do not nil-check
// at every site.
type instruments struct {
	m *observability.Metrics
}

func (i instruments) started(kind Kind) {
	if i.m != nil {
		i.m.ProtocolsStarted.WithLabelValues(string(kind)).Inc()
	}
}

func (i instruments) completed(kind Kind, startedAt time.Time) {
	if i.m != nil {
		i.m.ProtocolsCompleted.WithLabelValues(string(kind)).Inc()
		i.m.ProtocolDuration.WithLabelValues(string(kind)).Observe(time.Since(startedAt).Seconds())
	}
}

func (i instruments) failed(kind Kind, phase FailurePhase) {
	if i.m != nil {
		i.m.ProtocolsFailed.WithLabelValues(string(kind), phase.String()).Inc()
	}
}

func (i instruments) curveBuilt(startedAt time.Time) {
	if i.m != nil {
		i.m.PayoutCurveDuration.Observe(time.Since(startedAt).Seconds())
	}
}

func (i instruments) curveFailed() {
	if i.m != nil {
		i.m.PayoutCurveFailures.Inc()
	}
}

func (i instruments) registrationRejected(kind Kind) {
	if i.m != nil {
		i.m.RegistryRejections.WithLabelValues(string(kind)).Inc()
	}
}
