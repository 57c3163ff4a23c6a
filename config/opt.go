package config

import (
	"time"

	"github.com/kilianp07/gridflex/core/errs"
	"github.com/kilianp07/gridflex/core/feeder"
	"github.com/kilianp07/gridflex/core/integrate"
	"github.com/kilianp07/gridflex/core/model"
	"github.com/kilianp07/gridflex/core/optimize"
	"github.com/kilianp07/gridflex/pkg/frame"
)

// FlexibleLoads selects the loads taking part in the optimisation.
type FlexibleLoads struct {
	HP            bool     `json:"hp" yaml:"hp"`
	EV            bool     `json:"ev" yaml:"ev"`
	BESS          bool     `json:"bess" yaml:"bess"`
	EVFlexSectors []string `json:"ev_flex_sectors" yaml:"ev_flex_sectors"`
}

// OptConfig is the optimisation area.
type OptConfig struct {
	RunID   string `json:"run_id" yaml:"run_id"`
	Version int    `json:"version" yaml:"version"`
	// MVGDs defaults to the grids area.
	MVGDs []string `json:"mvgds" yaml:"mvgds"`
	// StartDatetime is empty for the first stamp of the snapshot.
	StartDatetime         string             `json:"start_datetime" yaml:"start_datetime"`
	TotalTimesteps        int                `json:"total_timesteps" yaml:"total_timesteps"`
	TimestepsPerIteration int                `json:"timesteps_per_iteration" yaml:"timesteps_per_iteration"`
	IterationsPerEra      int                `json:"iterations_per_era" yaml:"iterations_per_era"`
	OverlapIterations     int                `json:"overlap_iterations" yaml:"overlap_iterations"`
	Objective             optimize.Objective `json:"objective" yaml:"objective"`
	Solver                string             `json:"solver" yaml:"solver"`
	SolverConf            map[string]any     `json:"solver_conf" yaml:"solver_conf,omitempty"`
	SolverTimeout         time.Duration      `json:"solver_timeout" yaml:"solver_timeout"`
	FlexibleLoads         FlexibleLoads      `json:"flexible_loads" yaml:"flexible_loads"`
	// FillValue replaces cells no window wrote during concatenation.
	FillValue float64 `json:"fill_value" yaml:"fill_value"`
}

// SetDefaults fills zero values; grids supplies the grid list.
func (c *OptConfig) SetDefaults(grids GridsConfig) {
	if len(c.MVGDs) == 0 {
		c.MVGDs = append([]string(nil), grids.MVGDs...)
	}
	if c.Objective == "" {
		c.Objective = optimize.MinimizeLoading
	}
	if c.Solver == "" {
		c.Solver = "simplex"
	}
	if c.FlexibleLoads.EV && len(c.FlexibleLoads.EVFlexSectors) == 0 {
		c.FlexibleLoads.EVFlexSectors = []string{string(model.SectorHome), string(model.SectorWork), string(model.SectorPublic)}
	}
}

// Validate checks required keys and option sets.
func (c OptConfig) Validate() error {
	const op = "config.opt"
	switch {
	case c.RunID == "":
		return errs.E(errs.ConfigInvalid, op, "run_id is required")
	case c.Version < 0:
		return errs.E(errs.ConfigInvalid, op, "version must be non-negative, got %d", c.Version)
	case len(c.MVGDs) == 0:
		return errs.E(errs.ConfigInvalid, op, "mvgds must list at least one grid")
	case !c.Objective.Valid():
		return errs.E(errs.ConfigInvalid, op, "unknown objective %q (known: %v)", c.Objective, optimize.Objectives)
	case !optimize.Solvers.Has(c.Solver):
		return errs.E(errs.ConfigInvalid, op, "unknown solver %q (known: %v)", c.Solver, optimize.Solvers.Names())
	case c.SolverTimeout < 0:
		return errs.E(errs.ConfigInvalid, op, "solver_timeout must not be negative")
	}
	if _, err := c.Start(); err != nil {
		return err
	}
	if _, err := optimize.Schedule(c.TotalTimesteps, c.TimestepsPerIteration, c.IterationsPerEra, c.OverlapIterations); err != nil {
		return err
	}
	for _, s := range c.FlexibleLoads.EVFlexSectors {
		switch model.Sector(s) {
		case model.SectorHome, model.SectorWork, model.SectorPublic:
		default:
			return errs.E(errs.ConfigInvalid, op, "unknown ev_flex_sector %q", s)
		}
	}
	if !c.FlexibleLoads.HP && !c.FlexibleLoads.EV && !c.FlexibleLoads.BESS {
		return errs.E(errs.ConfigInvalid, op, "flexible_loads selects nothing to optimise")
	}
	return nil
}

// Start parses StartDatetime. The zero time means the first stamp.
func (c OptConfig) Start() (time.Time, error) {
	if c.StartDatetime == "" {
		return time.Time{}, nil
	}
	ts, err := frame.ParseTime(c.StartDatetime)
	if err != nil {
		return time.Time{}, errs.E(errs.ConfigInvalid, "config.opt", "start_datetime %q: %v", c.StartDatetime, err)
	}
	return ts, nil
}

// Flex maps the flexible loads to the feeder extractor options.
func (c OptConfig) Flex() feeder.FlexOptions {
	o := feeder.FlexOptions{HP: c.FlexibleLoads.HP, EV: c.FlexibleLoads.EV, BESS: c.FlexibleLoads.BESS}
	for _, s := range c.FlexibleLoads.EVFlexSectors {
		o.EVSectors = append(o.EVSectors, model.Sector(s))
	}
	return o
}

// Integrate maps the flexible loads to the integrator options.
func (c OptConfig) Integrate() integrate.Options {
	return integrate.Options{HP: c.FlexibleLoads.HP, EV: c.FlexibleLoads.EV, BESS: c.FlexibleLoads.BESS}
}

// Params returns the driver parameters of one grid and objective.
func (c OptConfig) Params(grid string, obj optimize.Objective, outDir string) (optimize.Params, error) {
	start, err := c.Start()
	if err != nil {
		return optimize.Params{}, err
	}
	return optimize.Params{
		Grid:           grid,
		Objective:      obj,
		Start:          start,
		TotalSteps:     c.TotalTimesteps,
		StepsPerWindow: c.TimestepsPerIteration,
		WindowsPerEra:  c.IterationsPerEra,
		OverlapWindows: c.OverlapIterations,
		SolverTimeout:  c.SolverTimeout,
		OutDir:         outDir,
	}, nil
}
