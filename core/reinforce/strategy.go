package reinforce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kilianp07/gridflex/core/errs"
	"github.com/kilianp07/gridflex/core/factory"
	"github.com/kilianp07/gridflex/core/logger"
	"github.com/kilianp07/gridflex/core/model"
)

// Strategy names a recovery path for non-converging power flows.
type Strategy string

const (
	StrategyNone      Strategy = "none"
	StrategySplit     Strategy = "split"
	StrategyLPF       Strategy = "lpf"
	StrategyIterative Strategy = "iterative"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyNone, StrategySplit, StrategyLPF, StrategyIterative:
		return true
	}
	return false
}

// Config is the reinforce area of the configuration.
type Config struct {
	Engine   factory.ModuleConfig `json:"engine" koanf:"engine" yaml:"engine"`
	Strategy Strategy             `json:"strategy" koanf:"strategy" yaml:"strategy"`
	// RelaxedIterations is the power flow cap on unconverged timesteps in
	// the split strategy.
	RelaxedIterations int `json:"relaxed_iterations" koanf:"relaxed_iterations" yaml:"relaxed_iterations"`
	// IterationStart is the first scale of the iterative strategy.
	IterationStart float64 `json:"iteration_start" koanf:"iteration_start" yaml:"iteration_start"`
	Iterations     int     `json:"iterations" koanf:"iterations" yaml:"iterations"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Engine.Type == "" {
		c.Engine.Type = "sweep"
	}
	if c.Strategy == "" {
		c.Strategy = StrategySplit
	}
	if c.RelaxedIterations == 0 {
		c.RelaxedIterations = 1000
	}
	if c.IterationStart == 0 {
		c.IterationStart = 0.2
	}
	if c.Iterations == 0 {
		c.Iterations = 4
	}
}

// Validate checks the option sets.
func (c Config) Validate() error {
	const op = "reinforce.Config"
	if !c.Strategy.Valid() {
		return errs.E(errs.ConfigInvalid, op, "unknown strategy %q", c.Strategy)
	}
	if !Engines.Has(c.Engine.Type) {
		return errs.E(errs.ConfigInvalid, op, "unknown engine %q (known: %v)", c.Engine.Type, Engines.Names())
	}
	if c.IterationStart <= 0 || c.IterationStart >= 1 {
		return errs.E(errs.ConfigInvalid, op, "iteration_start must be in (0, 1), got %g", c.IterationStart)
	}
	if c.Iterations < 1 || c.RelaxedIterations < 1 {
		return errs.E(errs.ConfigInvalid, op, "iterations and relaxed_iterations must be positive")
	}
	return nil
}

// Reinforcer runs an engine and falls back along the strategy chain while
// the power flow does not converge.
type Reinforcer struct {
	Engine Engine
	Config Config
	Logger logger.Logger
}

// New builds a reinforcer from its configuration.
func New(cfg Config, log logger.Logger) (*Reinforcer, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	eng, err := Engines.Create(cfg.Engine)
	if err != nil {
		return nil, errs.Wrap(errs.ConfigInvalid, "reinforce.New", err)
	}
	return &Reinforcer{Engine: eng, Config: cfg, Logger: logger.OrNop(log)}, nil
}

// chain lists the attempts of the configured strategy in order. Every chain
// starts with a plain run.
func (r *Reinforcer) chain() []Strategy {
	switch r.Config.Strategy {
	case StrategySplit:
		return []Strategy{StrategyNone, StrategySplit, StrategyLPF, StrategyIterative}
	case StrategyLPF:
		return []Strategy{StrategyNone, StrategyLPF, StrategyIterative}
	case StrategyIterative:
		return []Strategy{StrategyNone, StrategyIterative}
	default:
		return []Strategy{StrategyNone}
	}
}

// Run reinforces g on index (the full index when empty). Errors other than
// PowerFlowNonConvergent abort immediately; when every strategy fails the
// last non-convergence is returned.
func (r *Reinforcer) Run(ctx context.Context, g *model.Grid, index []time.Time) (*Result, error) {
	log := logger.OrNop(r.Logger)
	index = indexOrAll(g, index)
	var last error
	for _, s := range r.chain() {
		res, err := r.attempt(ctx, s, g, index, last)
		if err == nil {
			res.Strategy = s
			log.Infof("grid %s reinforced with strategy %s: %d changes", g.ID, s, len(res.Changes))
			return res, nil
		}
		if !errors.Is(err, errs.ErrPowerFlowNonConvergent) {
			return nil, err
		}
		log.Warnw("power flow did not converge", map[string]any{"grid": g.ID, "strategy": string(s), "error": err.Error()})
		last = err
	}
	return nil, fmt.Errorf("reinforce %s: strategies exhausted: %w", g.ID, last)
}

func (r *Reinforcer) attempt(ctx context.Context, s Strategy, g *model.Grid, index []time.Time, prev error) (*Result, error) {
	switch s {
	case StrategySplit:
		return r.split(ctx, g, index, prev)
	case StrategyLPF:
		return r.Engine.Reinforce(ctx, g, Options{Index: index, Seed: SeedLPF})
	case StrategyIterative:
		return r.iterative(ctx, g, index)
	default:
		return r.Engine.Reinforce(ctx, g, Options{Index: index})
	}
}

// split reinforces the converged timesteps first, then the unconverged ones
// with a relaxed iteration cap, then all of them together.
func (r *Reinforcer) split(ctx context.Context, g *model.Grid, index []time.Time, prev error) (*Result, error) {
	bad, ok := errs.Unconverged(prev)
	if !ok || len(bad) == 0 {
		return nil, prev
	}
	skip := make(map[int64]bool, len(bad))
	for _, ts := range bad {
		skip[ts.UnixNano()] = true
	}
	var good []time.Time
	for _, ts := range index {
		if !skip[ts.UnixNano()] {
			good = append(good, ts)
		}
	}

	acc := &Result{Grid: g}
	steps := []Options{
		{Index: good},
		{Index: bad, IterationCap: r.Config.RelaxedIterations},
		{Index: index},
	}
	for _, o := range steps {
		if len(o.Index) == 0 {
			continue
		}
		res, err := r.Engine.Reinforce(ctx, acc.Grid, o)
		if err != nil {
			return nil, err
		}
		acc.Grid = res.Grid
		acc.Changes = append(acc.Changes, res.Changes...)
	}
	return acc, nil
}

// iterative reinforces the grid under load and generation scaled from
// IterationStart up to the full series, carrying the equipment forward.
func (r *Reinforcer) iterative(ctx context.Context, g *model.Grid, index []time.Time) (*Result, error) {
	acc := &Result{Grid: g}
	n := r.Config.Iterations
	start := r.Config.IterationStart
	for k := 0; k <= n; k++ {
		f := start + (1-start)*float64(k)/float64(n)
		scaled := g
		if k < n {
			scaled = Scale(g, f)
		}
		scaled = WithBranches(scaled, acc.Grid.Branches)
		res, err := r.Engine.Reinforce(ctx, scaled, Options{Index: index})
		if err != nil {
			return nil, err
		}
		acc.Changes = append(acc.Changes, res.Changes...)
		acc.Grid = WithBranches(g, res.Grid.Branches)
	}
	return acc, nil
}

// Scale returns a copy of g with every load, generator and storage series
// multiplied by f.
func Scale(g *model.Grid, f float64) *model.Grid {
	out := g.Clone()
	ts := &out.TS
	ts.LoadsActivePower = ts.LoadsActivePower.Scale(f)
	ts.LoadsReactivePower = ts.LoadsReactivePower.Scale(f)
	ts.GeneratorsActivePower = ts.GeneratorsActivePower.Scale(f)
	ts.GeneratorsReactivePower = ts.GeneratorsReactivePower.Scale(f)
	ts.StorageActivePower = ts.StorageActivePower.Scale(f)
	ts.StorageReactivePower = ts.StorageReactivePower.Scale(f)
	return out
}

// WithBranches returns a copy of g carrying the given branch table.
func WithBranches(g *model.Grid, branches []model.Branch) *model.Grid {
	out := g.Clone()
	out.Branches = append([]model.Branch(nil), branches...)
	return out
}
