package metrics_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kilianp07/gridflex/core/errs"
	"github.com/kilianp07/gridflex/core/factory"
	metrics "github.com/kilianp07/gridflex/core/metrics"
	_ "github.com/kilianp07/gridflex/infra/metrics"
)

func TestNewMetricsSinkDefaultsToNop(t *testing.T) {
	s, err := metrics.NewMetricsSink(nil)
	require.NoError(t, err)
	assert.IsType(t, metrics.NopSink{}, s)
}

func TestNewMetricsSinkBuiltins(t *testing.T) {
	s, err := metrics.NewMetricsSink([]factory.ModuleConfig{{Type: "nop"}})
	require.NoError(t, err)
	assert.NotNil(t, s)

	_, err = metrics.NewMetricsSink([]factory.ModuleConfig{{Type: "missing"}})
	assert.Error(t, err)
}

func TestSinksFromYAML(t *testing.T) {
	data := `sinks:
  - type: nop
  - type: prometheus
`
	var cfg metrics.Config
	require.NoError(t, yaml.Unmarshal([]byte(data), &cfg))
	s, err := metrics.NewMetricsSink(cfg.Sinks)
	require.NoError(t, err)
	m, ok := s.(*metrics.MultiSink)
	require.True(t, ok, "expected MultiSink, got %T", s)
	assert.Len(t, m.Sinks, 2)
}

func TestSinksFromJSONUnknownType(t *testing.T) {
	var cfg metrics.Config
	require.NoError(t, json.Unmarshal([]byte(`{"sinks":[{"type":"statsd"}]}`), &cfg))
	_, err := metrics.NewMetricsSink(cfg.Sinks)
	require.Error(t, err)
	assert.Equal(t, errs.ConfigInvalid, errs.KindOf(err))
	assert.Contains(t, err.Error(), "statsd")
}

func TestSinkTypes(t *testing.T) {
	assert.Subset(t, metrics.SinkTypes(), []string{"nop", "prometheus", "influx"})
}
