package metrics

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Instruments groups the session gateway measurements.
type Instruments struct {
	TokenRefresh      metric.Int64Counter
	RefreshLatency    metric.Float64Histogram
	IdleLogouts       metric.Int64Counter
	EdgeDecisions     metric.Int64Counter
	BootstrapOutcomes metric.Int64Counter
	ActiveControllers metric.Int64UpDownCounter
}

// NewInstruments registers every instrument on m.
func NewInstruments(m *Meter) (*Instruments, error) {
	var errs []error
	keep := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var in Instruments
	var err error
	in.TokenRefresh, err = m.CreateCounter("session.token.refresh", "Token supplier outcomes by result")
	keep(err)
	in.RefreshLatency, err = m.CreateHistogram("session.token.refresh.duration", "Latency of authority token calls", "ms")
	keep(err)
	in.IdleLogouts, err = m.CreateCounter("session.idle.logouts", "Sessions terminated by the idle monitor")
	keep(err)
	in.EdgeDecisions, err = m.CreateCounter("gate.edge.decisions", "Edge gate outcomes by decision")
	keep(err)
	in.BootstrapOutcomes, err = m.CreateCounter("gate.bootstrap.outcomes", "Bootstrap gate terminal states")
	keep(err)
	in.ActiveControllers, err = m.CreateUpDownCounter("session.controllers.active", "Live browsing-context controllers")
	keep(err)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &in, nil
}

// Noop returns instruments that discard every measurement.
func Noop() *Instruments {
	m := noop.NewMeterProvider().Meter("noop")
	in, _ := NewInstruments(&Meter{meter: m})
	return in
}

// Count adds one to c with a single string attribute.
func Count(ctx context.Context, c metric.Int64Counter, key, value string) {
	c.Add(ctx, 1, metric.WithAttributes(attribute.String(key, value)))
}
