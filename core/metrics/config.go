package metrics

import "github.com/kilianp07/gridflex/core/factory"

// Config is the metrics area of the configuration. Each sink is selected by
// type ("nop", "prometheus", "influx") with its own conf block.
type Config struct {
	Sinks []factory.ModuleConfig `json:"sinks" koanf:"sinks" yaml:"sinks"`
}
