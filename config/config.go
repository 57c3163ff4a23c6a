// Package config loads the pipeline configuration: one hierarchical file
// split into the grids and opt areas plus the ambient areas of the process.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/gridflex/core/errs"
	"github.com/kilianp07/gridflex/core/metrics"
	"github.com/kilianp07/gridflex/core/notify"
	"github.com/kilianp07/gridflex/core/reinforce"
	inframetrics "github.com/kilianp07/gridflex/infra/metrics"
	"github.com/kilianp07/gridflex/infra/monitoring"
	"github.com/kilianp07/gridflex/infra/state"
)

// EnvPrefix marks environment overrides, e.g. GF_OPT__VERSION=3.
const EnvPrefix = "GF_"

type Config struct {
	Grids      GridsConfig       `json:"grids" yaml:"grids"`
	Opt        OptConfig         `json:"opt" yaml:"opt"`
	Paths      PathsConfig       `json:"paths" yaml:"paths"`
	Logging    LoggingConfig     `json:"logging" yaml:"logging"`
	State      state.Config      `json:"state" yaml:"state"`
	Metrics    metrics.Config    `json:"metrics" yaml:"metrics"`
	Notify     notify.Config     `json:"notify" yaml:"notify"`
	Monitoring monitoring.Config `json:"monitoring" yaml:"monitoring"`
	Influx     ExportConfig      `json:"influx" yaml:"influx"`
	Reinforce  reinforce.Config  `json:"reinforce" yaml:"reinforce"`
}

// PathsConfig locates the pipeline outputs.
type PathsConfig struct {
	// Results is the root of every run directory.
	Results string `json:"results" yaml:"results"`
}

// ExportConfig enables the export of concatenated series to InfluxDB.
type ExportConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
	Token   string `json:"token" yaml:"token"`
	Org     string `json:"org" yaml:"org"`
	Bucket  string `json:"bucket" yaml:"bucket"`
}

// Client returns the sink settings.
func (e ExportConfig) Client() inframetrics.InfluxConfig {
	return inframetrics.InfluxConfig{URL: e.URL, Token: e.Token, Org: e.Org, Bucket: e.Bucket}
}

// Load reads path, applies GF_ environment overrides and then the key=value
// pairs of overrides.
func Load(path string, overrides ...string) (*Config, error) {
	const op = "config.Load"
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, errs.E(errs.ConfigInvalid, op, "unsupported config format: %s", ext)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, errs.Wrap(errs.IOMissing, op, err)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, errs.Wrap(errs.ConfigInvalid, op, err)
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	for _, o := range overrides {
		key, value, found := strings.Cut(o, "=")
		if !found || strings.TrimSpace(key) == "" {
			return nil, errs.E(errs.ConfigInvalid, op, "override %q is not key=value", o)
		}
		if err := k.Set(strings.TrimSpace(key), parseValue(value)); err != nil {
			return nil, err
		}
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, errs.Wrap(errs.ConfigInvalid, op, err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// parseValue turns CLI values into lists when they contain commas so that
// --set grids.mvgds=a,b works. Scalars stay strings and are converted by
// the weakly typed decoder.
func parseValue(v string) any {
	v = strings.TrimSpace(v)
	if v == "null" {
		return nil
	}
	if strings.Contains(v, ",") {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return v
}

// SetDefaults fills every area.
func (c *Config) SetDefaults() {
	if c.Paths.Results == "" {
		c.Paths.Results = "results"
	}
	c.Grids.SetDefaults()
	c.Opt.SetDefaults(c.Grids)
	c.Logging.SetDefaults()
	c.State.SetDefaults()
	c.Reinforce.SetDefaults()
}

// Validate checks every area and returns the first problem.
func (c Config) Validate() error {
	for _, v := range []interface{ Validate() error }{c.Grids, c.Opt, c.Logging, c.State, c.Reinforce} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	if c.Influx.Enabled && c.Influx.URL == "" {
		return errs.E(errs.ConfigInvalid, "config.Validate", "influx.url is required when the export is enabled")
	}
	return nil
}

// RunDir is the results directory of the optimisation run.
func (c Config) RunDir() string {
	return filepath.Join(c.Paths.Results, c.Opt.RunID)
}

// GridsRunDir is the results directory of the grid-preparation run.
func (c Config) GridsRunDir() string {
	return filepath.Join(c.Paths.Results, c.Grids.RunID)
}

// Redacted returns a copy without credentials, for the persisted snapshot.
func (c Config) Redacted() Config {
	const mask = "***"
	if c.Influx.Token != "" {
		c.Influx.Token = mask
	}
	if c.Monitoring.DSN != "" {
		c.Monitoring.DSN = mask
	}
	return c
}

func (c Config) String() string {
	return fmt.Sprintf("run %s v%d, grids %v, objective %s", c.Opt.RunID, c.Opt.Version, c.Opt.MVGDs, c.Opt.Objective)
}
