package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/gridflex/config"
	"github.com/kilianp07/gridflex/core/feeder"
	coremetrics "github.com/kilianp07/gridflex/core/metrics"
	"github.com/kilianp07/gridflex/core/model"
	"github.com/kilianp07/gridflex/core/notify"
	"github.com/kilianp07/gridflex/core/optimize"
	"github.com/kilianp07/gridflex/core/pipeline"
	"github.com/kilianp07/gridflex/core/reinforce"
	"github.com/kilianp07/gridflex/infra/state"
	"github.com/kilianp07/gridflex/internal/testutil"
)

const grid = "177"

type inbox struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (i *inbox) Notify(_ context.Context, m notify.Message) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, m)
	return nil
}

func (i *inbox) outcomes(task string) []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []string
	for _, m := range i.msgs {
		if m.Task == task {
			out = append(out, m.Outcome)
		}
	}
	return out
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	imp := filepath.Join(root, "grids")
	require.NoError(t, model.SaveGrid(filepath.Join(imp, grid), testutil.District(48)))

	cfg := &config.Config{
		Grids: config.GridsConfig{RunID: "prep", MVGDs: []string{grid}, ImportDir: imp},
		Opt: config.OptConfig{
			RunID:                 "R",
			TotalTimesteps:        48,
			TimestepsPerIteration: 24,
			IterationsPerEra:      2,
			OverlapIterations:     6,
			Objective:             optimize.MinimizeLoading,
			FlexibleLoads:         config.FlexibleLoads{HP: true, EV: true, EVFlexSectors: []string{"home", "work"}},
		},
		Paths: config.PathsConfig{Results: filepath.Join(root, "results")},
		State: state.Config{Backend: state.BackendJSON},
	}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func newApp(t *testing.T, cfg *config.Config, n notify.Notifier) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, WithSink(coremetrics.NopSink{}), WithNotifier(n))
	require.NoError(t, err)
	return a
}

func TestLayout(t *testing.T) {
	l := Layout{Import: "grids", GridsRun: "results/prep", OptRun: "results/R"}
	assert.Equal(t, filepath.Join("grids", grid), l.Source(grid))
	assert.Equal(t, filepath.Join("results/prep", grid, "reference_feeder"), l.ReferenceFeeder(grid))

	ref := l.Reference(grid)
	assert.Empty(t, ref.Tag())
	assert.Equal(t, l.ReferenceMVGD(grid), ref.MVGD())
	assert.Equal(t, l.ReferenceFeeder(grid), ref.Feeders())
	assert.Equal(t, filepath.Join("results/R", grid, "minimize_loading_concat"), ref.Concat(optimize.MinimizeLoading))
	assert.Equal(t, filepath.Join("results/R", grid, "minimize_loading_feeder", "01"), ref.OptFeeder(optimize.MinimizeLoading, "01"))

	scn := l.Scenario(grid, reinforce.ScenarioShares[0])
	tag := reinforce.ScenarioDir(reinforce.ScenarioShares[0])
	assert.Equal(t, tag, scn.Tag())
	assert.Equal(t, filepath.Join("results/R", grid, "scenarios", tag, "mvgd"), scn.MVGD())
	assert.Equal(t, filepath.Join("results/R", grid, "scenarios", tag, "feeder"), scn.Feeders())
	assert.Equal(t, pipeline.Name(StageScenarioFeeder, grid, tag), feederTask(scn))
	assert.Equal(t, pipeline.Name(StageReferenceFeeder, grid), feederTask(ref))
}

func TestRefGroup(t *testing.T) {
	cfg := testConfig(t)
	cfg.Grids.FixPreparation = true
	n := &inbox{}
	a := newApp(t, cfg, n)

	sum, err := a.Run(context.Background(), GroupRef)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	assert.True(t, sum.OK(), sum.String())

	for _, dir := range []string{a.Layout.ReferenceMVGD(grid), a.Layout.ReferenceFeeder(grid), a.Layout.ReferenceReinforced(grid)} {
		assert.DirExists(t, dir)
	}
	assert.FileExists(t, filepath.Join(a.Layout.ReferenceMVGD(grid), reinforce.ChangesFile), "fixed preparation lists its measures")
	assert.FileExists(t, filepath.Join(a.Layout.ReferenceReinforced(grid), reinforce.ChangesFile))
	assert.DirExists(t, filepath.Join(a.Layout.ReferenceFeeder(grid), "01"))

	snaps, _ := filepath.Glob(filepath.Join(cfg.GridsRunDir(), "config_version_0_*.yaml"))
	assert.Len(t, snaps, 1, "the grids ledger writes its snapshot to the grids run")
	reports, _ := filepath.Glob(filepath.Join(cfg.RunDir(), "run_*.csv"))
	assert.Len(t, reports, 1)

	assert.Equal(t, []string{coremetrics.OutcomeSucceeded}, n.outcomes(pipeline.Name(StageReferenceFeeder, grid)))
}

func TestMinExpEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	obj := optimize.MinimizeLoading
	reinforceTask := pipeline.Name(StageReinforce, grid, string(obj))

	a := newApp(t, cfg, &inbox{})
	sum, err := a.Run(ctx, GroupMinExp)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	assert.True(t, sum.OK(), sum.String())
	assert.Zero(t, sum.UpToDate)

	ref := a.Layout.Reference(grid)
	assert.DirExists(t, ref.Concat(obj))
	assert.DirExists(t, ref.Integrated(obj))
	assert.FileExists(t, filepath.Join(ref.Reinforced(obj), reinforce.ChangesFile))
	o, _ := a.Engine.Outcome(reinforceTask)
	assert.Equal(t, coremetrics.OutcomeSucceeded, o)
	o, _ = a.Engine.Outcome(pipeline.Name(StageOptimize, grid, "01", string(obj)))
	assert.Equal(t, coremetrics.OutcomeSucceeded, o)

	integrated, err := model.LoadGrid(ref.Integrated(obj))
	require.NoError(t, err)
	assert.Equal(t, 48, integrated.TS.LoadsActivePower.Len())

	// same version: nothing is recomputed
	b := newApp(t, cfg, &inbox{})
	sum, err = b.Run(ctx, GroupMinExp)
	require.NoError(t, err)
	require.NoError(t, b.Close())
	assert.True(t, sum.OK(), sum.String())
	assert.Positive(t, sum.UpToDate)
	o, _ = b.Engine.Outcome(reinforceTask)
	assert.Equal(t, coremetrics.OutcomeUpToDate, o)
	o, _ = b.Engine.Outcome(pipeline.Name(StageOptimize, grid, "01", string(obj)))
	assert.Equal(t, coremetrics.OutcomeUpToDate, o)
}

func TestVersionRegressionLeavesTasksUnmet(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a := newApp(t, cfg, &inbox{})
	_, err := a.Run(ctx, MetaSetOptVersion, MetaSetGridsVersion)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	cfg.Opt.Version = 2
	n := &inbox{}
	b := newApp(t, cfg, n)
	sum, err := b.Run(ctx, GroupMinExp)
	require.Error(t, err)
	require.NoError(t, b.Close())

	assert.Equal(t, 1, sum.Failed)
	assert.Positive(t, sum.Unmet)
	o, _ := b.Engine.Outcome(MetaSetOptVersion)
	assert.Equal(t, coremetrics.OutcomeFailed, o)
	o, _ = b.Engine.Outcome(pipeline.Name(StageReinforce, grid, string(optimize.MinimizeLoading)))
	assert.Equal(t, coremetrics.OutcomeUnmet, o)
	// grid preparation has its own ledger
	o, _ = b.Engine.Outcome(pipeline.Name(StageReferenceFeeder, grid))
	assert.Equal(t, coremetrics.OutcomeSucceeded, o)

	assert.Equal(t, []string{coremetrics.OutcomeFailed}, n.outcomes(MetaSetOptVersion))
	_, statErr := os.Stat(b.Layout.Reference(grid).Integrated(optimize.MinimizeLoading))
	assert.True(t, os.IsNotExist(statErr))
}

func TestReferenceFollowsOptSettings(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	mvgdTask := pipeline.Name(StageReferenceMVGD, grid)
	feederTask := pipeline.Name(StageReferenceFeeder, grid)
	loadFeeder := func(a *App) feeder.Feeder {
		t.Helper()
		f, err := feeder.LoadFeeder(filepath.Join(a.Layout.ReferenceFeeder(grid), "01"))
		require.NoError(t, err)
		return f
	}
	run := func() *App {
		t.Helper()
		a := newApp(t, cfg, &inbox{})
		sum, err := a.Run(ctx, feederTask)
		require.NoError(t, err)
		require.NoError(t, a.Close())
		assert.True(t, sum.OK(), sum.String())
		return a
	}
	outcome := func(a *App, task string) string {
		o, _ := a.Engine.Outcome(task)
		return o
	}

	a := run()
	assert.Contains(t, loadFeeder(a).FlexibleLoads, "hp_1")
	assert.Contains(t, loadFeeder(a).FlexibleLoads, "cp_home_1")

	b := run()
	assert.Equal(t, coremetrics.OutcomeUpToDate, outcome(b, mvgdTask))
	assert.Equal(t, coremetrics.OutcomeUpToDate, outcome(b, feederTask))

	// new flexibility options under the same grids version
	cfg.Opt.Version = 1
	cfg.Opt.FlexibleLoads = config.FlexibleLoads{HP: true}
	c := run()
	assert.Equal(t, coremetrics.OutcomeUpToDate, outcome(c, mvgdTask))
	assert.Equal(t, coremetrics.OutcomeSucceeded, outcome(c, feederTask))
	assert.Equal(t, []string{"hp_1"}, loadFeeder(c).FlexibleLoads)

	// new timeframe: the snapshot is cut again and the feeders follow
	cfg.Opt.Version = 2
	cfg.Opt.StartDatetime = "2011-01-01 12:00:00"
	cfg.Opt.TotalTimesteps = 24
	cfg.Opt.IterationsPerEra = 1
	require.NoError(t, cfg.Validate())
	d := run()
	assert.Equal(t, coremetrics.OutcomeSucceeded, outcome(d, mvgdTask))
	assert.Equal(t, coremetrics.OutcomeSucceeded, outcome(d, feederTask))
	ref, err := model.LoadGrid(d.Layout.ReferenceMVGD(grid))
	require.NoError(t, err)
	require.Len(t, ref.TimeIndex, 24)
	assert.True(t, ref.TimeIndex[0].Equal(testutil.Start.Add(12*time.Hour)))
	assert.Len(t, loadFeeder(d).Grid.TimeIndex, 24)
}

func TestGetVersionWithoutLedger(t *testing.T) {
	a := newApp(t, testConfig(t), &inbox{})
	defer a.Close()
	sum, err := a.Run(context.Background(), MetaGetOptVersion)
	require.Error(t, err)
	assert.Equal(t, 1, sum.Failed)
}

func TestTrustIpynbAndUnknownTarget(t *testing.T) {
	a := newApp(t, testConfig(t), &inbox{})
	defer a.Close()
	_, err := a.Run(context.Background(), GroupTrustIpynb)
	require.NoError(t, err)

	_, err = a.Run(context.Background(), "no_such_task")
	assert.ErrorIs(t, err, pipeline.ErrUnknownTarget)
}

func TestGroupsAreRegistered(t *testing.T) {
	a := newApp(t, testConfig(t), &inbox{})
	defer a.Close()
	names := a.Engine.Tasks()
	for g := range Groups {
		assert.Contains(t, names, g)
	}
	for _, m := range []string{MetaSetOptVersion, MetaGetOptVersion, MetaSetGridsVersion, MetaGetGridsVersion} {
		assert.Contains(t, names, m)
	}
	assert.Contains(t, names, concatTask(a.Layout.Reference(grid), optimize.MaximizeGridPower))
	assert.NotContains(t, names, exportTask(a.Layout.Reference(grid), optimize.MaximizeGridPower), "export needs influx")
}
