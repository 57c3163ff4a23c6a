package metrics

import (
	"fmt"

	"github.com/kilianp07/gridflex/core/errs"
	"github.com/kilianp07/gridflex/core/factory"
)

var sinkRegistry = factory.NewRegistry[MetricsSink]()

// RegisterMetricsSink adds a metrics sink factory identified by name.
func RegisterMetricsSink(name string, f factory.Factory[MetricsSink]) error {
	return sinkRegistry.Register(name, f)
}

// SinkTypes lists the registered sink types.
func SinkTypes() []string { return sinkRegistry.Names() }

// NewMetricsSink builds the configured sinks. No sink records nothing, more
// than one is wrapped in a MultiSink. Unknown types are a configuration error.
func NewMetricsSink(cfgs []factory.ModuleConfig) (MetricsSink, error) {
	const op = "metrics.NewMetricsSink"
	if len(cfgs) == 0 {
		return NopSink{}, nil
	}
	sinks := make([]MetricsSink, 0, len(cfgs))
	for i, c := range cfgs {
		if !sinkRegistry.Has(c.Type) {
			return nil, errs.E(errs.ConfigInvalid, op, "sink %d: unknown type %q, known %v", i, c.Type, SinkTypes())
		}
		s, err := sinkRegistry.Create(c)
		if err != nil {
			return nil, errs.Wrap(errs.ConfigInvalid, op, fmt.Errorf("sink %s: %w", c.Type, err))
		}
		sinks = append(sinks, s)
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return NewMultiSink(sinks...), nil
}
