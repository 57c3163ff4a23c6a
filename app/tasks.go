package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kilianp07/gridflex/core/concat"
	"github.com/kilianp07/gridflex/core/feeder"
	"github.com/kilianp07/gridflex/core/integrate"
	coremetrics "github.com/kilianp07/gridflex/core/metrics"
	"github.com/kilianp07/gridflex/core/model"
	"github.com/kilianp07/gridflex/core/optimize"
	"github.com/kilianp07/gridflex/core/pipeline"
	"github.com/kilianp07/gridflex/core/reinforce"
	"github.com/kilianp07/gridflex/core/timeframe"
	"github.com/kilianp07/gridflex/infra/logger"
	"github.com/kilianp07/gridflex/infra/metrics"
	"github.com/kilianp07/gridflex/pkg/frame"
)

// Stages of the task names.
const (
	StageReferenceMVGD       = "reference_mvgd"
	StageReferenceFeeder     = "reference_feeder"
	StageReferenceReinforced = "reference_reinforced"
	StageOptimize            = "optimize"
	StageConcat              = "concat"
	StageExport              = "export"
	StageIntegrate           = "integrate"
	StageReinforce           = "reinforce"
	StageScenarioMVGD        = "scenario_mvgd"
	StageScenarioFeeder      = "scenario_feeder"
)

// gridStages are recorded in the grid-preparation ledger.
var gridStages = map[string]bool{
	StageReferenceMVGD:       true,
	StageReferenceFeeder:     true,
	StageReferenceReinforced: true,
}

// PotentialObjectives bound the grid power the flexible loads can shift.
var PotentialObjectives = []optimize.Objective{optimize.MaximizeGridPower, optimize.MinimizeGridPower}

// versioned makes t skip when the ledger holds the current version for it.
func (a *App) versioned(t pipeline.Task) pipeline.Task {
	store := a.ledgers.For(t.Name)
	name := t.Name
	t.Versioned = true
	t.UpToDate = func(ctx context.Context) (bool, error) { return store.IsUpToDate(ctx, name) }
	meta := MetaSetOptVersion
	if gridStages[pipeline.Stage(name)] {
		meta = MetaSetGridsVersion
	}
	t.Deps = append([]string{meta}, t.Deps...)
	return t
}

func (a *App) referenceTasks(grid string) []pipeline.Task {
	mvgd := pipeline.Name(StageReferenceMVGD, grid)
	return []pipeline.Task{
		a.versioned(pipeline.Task{
			Name:    mvgd,
			Doc:     "select the timeframe of the imported grid",
			Args:    map[string]any{"grid": grid, "source": a.Layout.Source(grid)},
			Actions: []pipeline.Action{func(ctx context.Context) error { return a.referenceMVGD(ctx, grid) }},
		}),
		a.versioned(pipeline.Task{
			Name: pipeline.Name(StageReferenceFeeder, grid),
			Doc:  "split the reference grid into feeders",
			Deps: []string{mvgd},
			Actions: []pipeline.Action{func(context.Context) error {
				return a.extractFeeders(a.Layout.ReferenceMVGD(grid), a.Layout.ReferenceFeeder(grid))
			}},
		}),
		a.versioned(pipeline.Task{
			Name: pipeline.Name(StageReferenceReinforced, grid),
			Doc:  "reinforce the reference grid",
			Deps: []string{mvgd},
			Actions: []pipeline.Action{func(ctx context.Context) error {
				return a.reinforceSnapshot(ctx, a.Layout.ReferenceMVGD(grid), a.Layout.ReferenceReinforced(grid))
			}},
		}),
	}
}

func (a *App) referenceMVGD(ctx context.Context, grid string) error {
	g, err := model.LoadGrid(a.Layout.Source(grid))
	if err != nil {
		return err
	}
	start, err := a.Config.Opt.Start()
	if err != nil {
		return err
	}
	sel, err := timeframe.SelectRange(g, start, a.Config.Opt.TotalTimesteps)
	if err != nil {
		return err
	}
	dir := a.Layout.ReferenceMVGD(grid)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if a.Config.Grids.FixPreparation {
		worst, _ := reinforce.WorstCase(sel)
		res, err := a.reinforcer.Run(ctx, worst, nil)
		if err != nil {
			return fmt.Errorf("fix preparation: %w", err)
		}
		sel = reinforce.WithBranches(sel, res.Grid.Branches)
		if err := reinforce.WriteChanges(dir, res.Changes); err != nil {
			return err
		}
		a.log.Infof("grid %s: preparation fixed with %d changes", grid, len(res.Changes))
	}
	return model.SaveGrid(dir, sel)
}

func (a *App) extractFeeders(src, dst string) error {
	g, err := model.LoadGrid(src)
	if err != nil {
		return err
	}
	res, err := feeder.Extract(g, a.Config.Opt.Flex())
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	empty := 0
	for _, f := range res.Feeders {
		if f.Empty {
			empty++
		}
	}
	a.log.Infof("grid %s: %d feeders, %d without flexible loads", g.ID, len(res.Feeders), empty)
	return feeder.WriteFeeders(dst, res)
}

func (a *App) reinforceSnapshot(ctx context.Context, src, dst string) error {
	g, err := model.LoadGrid(src)
	if err != nil {
		return err
	}
	res, err := a.reinforcer.Run(ctx, g, nil)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	if err := model.SaveGrid(dst, res.Grid); err != nil {
		return err
	}
	a.log.Infof("%s reinforced with %d changes (strategy %s)", g.ID, len(res.Changes), res.Strategy)
	return reinforce.WriteChanges(dst, res.Changes)
}

// feederTask is the task writing the feeders of c.
func feederTask(c Case) string {
	if c.Share == 0 {
		return pipeline.Name(StageReferenceFeeder, c.Grid)
	}
	return pipeline.Name(StageScenarioFeeder, c.Grid, c.Tag())
}

func optimizeGenerator(c Case, obj optimize.Objective) string {
	return pipeline.Name(StageOptimize, c.Grid, string(obj), c.Tag())
}

func concatTask(c Case, obj optimize.Objective) string {
	return pipeline.Name(StageConcat, c.Grid, string(obj), c.Tag())
}

func exportTask(c Case, obj optimize.Objective) string {
	return pipeline.Name(StageExport, c.Grid, string(obj), c.Tag())
}

// optimizeTasks returns the generator of the per-feeder optimisation tasks
// of c, evaluated once the feeders exist, and the tasks consuming them.
func (a *App) optimizeTasks(c Case, obj optimize.Objective) (pipeline.Generator, []pipeline.Task) {
	gen := pipeline.Generator{
		Name:        optimizeGenerator(c, obj),
		CreateAfter: []string{feederTask(c)},
		Gen: func(context.Context) ([]pipeline.Task, error) {
			ids, err := feeder.ListIDs(c.Feeders())
			if err != nil {
				return nil, err
			}
			tasks := make([]pipeline.Task, 0, len(ids))
			for _, id := range ids {
				tasks = append(tasks, a.versioned(pipeline.Task{
					Name: pipeline.Name(StageOptimize, c.Grid, id, string(obj), c.Tag()),
					Doc:  "rolling-horizon dispatch of one feeder",
					Args: map[string]any{"grid": c.Grid, "feeder": id, "objective": obj, "scenario": c.Tag()},
					Actions: []pipeline.Action{func(ctx context.Context) error {
						return a.optimizeFeeder(ctx, c, obj, id)
					}},
				}))
			}
			return tasks, nil
		},
	}
	tasks := []pipeline.Task{
		a.versioned(pipeline.Task{
			Name: concatTask(c, obj),
			Doc:  "merge the feeder windows into grid tables",
			Deps: []string{gen.Name},
			Actions: []pipeline.Action{func(context.Context) error {
				return a.concat(c, obj)
			}},
		}),
	}
	if a.Config.Influx.Enabled {
		tasks = append(tasks, pipeline.Task{
			Name: exportTask(c, obj),
			Doc:  "write the grid tables to InfluxDB",
			Deps: []string{concatTask(c, obj)},
			Actions: []pipeline.Action{func(context.Context) error {
				return a.export(c, obj)
			}},
		})
	}
	return gen, tasks
}

func (a *App) optimizeFeeder(ctx context.Context, c Case, obj optimize.Objective, id string) error {
	f, err := feeder.LoadFeeder(filepath.Join(c.Feeders(), id))
	if err != nil {
		return err
	}
	out := c.OptFeeder(obj, id)
	if err := os.RemoveAll(out); err != nil {
		return err
	}
	p, err := a.Config.Opt.Params(c.Grid, obj, out)
	if err != nil {
		return err
	}
	d := optimize.NewDriver(a.solver)
	d.Logger = logger.NewWith("optimize", map[string]any{"grid": c.Grid, "feeder": id, "objective": string(obj)})
	d.Metrics = a.windows
	sum, err := d.Run(ctx, f, p)
	if err != nil {
		return err
	}
	if len(sum.Skipped) > 0 {
		a.log.Warnw("windows skipped", map[string]any{"grid": c.Grid, "feeder": id, "windows": sum.Skipped})
	}
	return nil
}

func (a *App) concat(c Case, obj optimize.Objective) error {
	src, dst := c.OptFeeders(obj), c.Concat(obj)
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	if err := pruneFeeders(src, c.Feeders()); err != nil {
		return err
	}
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		a.log.Warnf("grid %s: no optimised feeder for %s", c.Grid, obj)
		return os.MkdirAll(dst, 0o755)
	}
	cc := concat.Concatenator{Fill: a.Config.Opt.FillValue, Logger: logger.New("concat")}
	paths, err := cc.Run(src, dst)
	if err != nil {
		return err
	}
	a.log.Infof("grid %s: %d tables concatenated for %s", c.Grid, len(paths), obj)
	return nil
}

// pruneFeeders removes result directories of feeders that no longer exist.
func pruneFeeders(results, feeders string) error {
	ids, err := feeder.ListIDs(feeders)
	if err != nil {
		return err
	}
	keep := map[string]bool{}
	for _, id := range ids {
		keep[id] = true
	}
	entries, err := os.ReadDir(results)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() && !keep[e.Name()] {
			if err := os.RemoveAll(filepath.Join(results, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *App) export(c Case, obj optimize.Objective) error {
	sink := metrics.NewInfluxSinkWithFallback(a.Config.Influx.Client())
	rec, ok := sink.(coremetrics.SeriesRecorder)
	if !ok {
		return fmt.Errorf("influx at %s is not reachable", a.Config.Influx.URL)
	}
	if s, ok := sink.(*metrics.InfluxSink); ok {
		defer s.Close()
	}
	dir := c.Concat(obj)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	prefix := c.Grid + "_"
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".csv") {
			continue
		}
		f, err := frame.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		ev := coremetrics.SeriesEvent{
			Grid:      c.Grid,
			Objective: string(obj),
			Scenario:  c.Tag(),
			Param:     strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".csv"),
			Series:    f,
		}
		if err := rec.RecordSeries(ev); err != nil {
			return fmt.Errorf("export %s: %w", name, err)
		}
	}
	return nil
}

func (a *App) integrateTask(c Case, obj optimize.Objective) pipeline.Task {
	return a.versioned(pipeline.Task{
		Name: pipeline.Name(StageIntegrate, c.Grid, string(obj)),
		Doc:  "inject the optimised dispatch into the reference grid",
		Deps: []string{concatTask(c, obj)},
		Actions: []pipeline.Action{func(context.Context) error {
			return a.integrate(c, obj)
		}},
	})
}

func (a *App) integrate(c Case, obj optimize.Objective) error {
	g, err := model.LoadGrid(c.MVGD())
	if err != nil {
		return err
	}
	opts := a.availableParams(c, obj)
	out := g
	if len(opts.Params()) == 0 {
		a.log.Warnf("grid %s: nothing optimised for %s, keeping the reference dispatch", c.Grid, obj)
		out = g.Clone()
		for i := range out.Loads {
			out.Loads[i].Opt = false
		}
	} else if out, err = integrate.Run(g, c.Concat(obj), c.Grid, opts); err != nil {
		return err
	}
	dst := c.Integrated(obj)
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return model.SaveGrid(dst, out)
}

// availableParams drops the flexible load kinds without a concatenated
// table, e.g. charging points on a grid without any.
func (a *App) availableParams(c Case, obj optimize.Objective) integrate.Options {
	opts := a.Config.Opt.Integrate()
	has := func(o integrate.Options) bool {
		for _, p := range o.Params() {
			_, err := os.Stat(filepath.Join(c.Concat(obj), concat.FileName(concat.Key{Grid: c.Grid, Param: p})))
			if err != nil {
				return false
			}
		}
		return true
	}
	if opts.HP && !has(integrate.Options{HP: true}) {
		a.log.Warnf("grid %s: no heat pump dispatch for %s", c.Grid, obj)
		opts.HP = false
	}
	if opts.EV && !has(integrate.Options{EV: true}) {
		a.log.Warnf("grid %s: no charging point dispatch for %s", c.Grid, obj)
		opts.EV = false
	}
	if opts.BESS && !has(integrate.Options{BESS: true}) {
		a.log.Warnf("grid %s: no storage dispatch for %s", c.Grid, obj)
		opts.BESS = false
	}
	return opts
}

func (a *App) reinforceTask(c Case, obj optimize.Objective) pipeline.Task {
	return a.versioned(pipeline.Task{
		Name: pipeline.Name(StageReinforce, c.Grid, string(obj)),
		Doc:  "reinforce the grid under the optimised dispatch",
		Deps: []string{pipeline.Name(StageIntegrate, c.Grid, string(obj))},
		Actions: []pipeline.Action{func(ctx context.Context) error {
			return a.reinforceSnapshot(ctx, c.Integrated(obj), c.Reinforced(obj))
		}},
	})
}

func (a *App) scenarioTasks(c Case) []pipeline.Task {
	mvgd := pipeline.Name(StageScenarioMVGD, c.Grid, c.Tag())
	return []pipeline.Task{
		a.versioned(pipeline.Task{
			Name: mvgd,
			Doc:  "reinforce the reference grid for an expansion share",
			Deps: []string{pipeline.Name(StageReferenceMVGD, c.Grid)},
			Args: map[string]any{"grid": c.Grid, "share": c.Share},
			Actions: []pipeline.Action{func(ctx context.Context) error {
				return a.scenario(ctx, c)
			}},
		}),
		a.versioned(pipeline.Task{
			Name: feederTask(c),
			Doc:  "split the scenario grid into feeders",
			Deps: []string{mvgd},
			Actions: []pipeline.Action{func(context.Context) error {
				return a.extractFeeders(c.MVGD(), c.Feeders())
			}},
		}),
	}
}

func (a *App) scenario(ctx context.Context, c Case) error {
	g, err := model.LoadGrid(a.Layout.ReferenceMVGD(c.Grid))
	if err != nil {
		return err
	}
	res, err := a.reinforcer.Scenario(ctx, g, c.Share)
	if err != nil {
		return err
	}
	dst := c.MVGD()
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	if err := model.SaveGrid(dst, res.Grid); err != nil {
		return err
	}
	a.log.Infof("grid %s: %s with %d changes", c.Grid, c.Tag(), len(res.Changes))
	return reinforce.WriteChanges(dst, res.Changes)
}
