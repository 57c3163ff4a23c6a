package reinforce_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/gridflex/core/errs"
	"github.com/kilianp07/gridflex/core/factory"
	"github.com/kilianp07/gridflex/core/model"
	"github.com/kilianp07/gridflex/core/reinforce"
	"github.com/kilianp07/gridflex/infra/logger"
	"github.com/kilianp07/gridflex/internal/testutil"
)

type call struct {
	opts reinforce.Options
	hp   float64
}

// scriptedEngine fails the calls listed in fail and bumps the transformer on
// every successful call.
type scriptedEngine struct {
	fail  map[int]error
	calls []call
}

func (e *scriptedEngine) Reinforce(_ context.Context, g *model.Grid, opts reinforce.Options) (*reinforce.Result, error) {
	e.calls = append(e.calls, call{opts: opts, hp: g.TS.LoadsActivePower.Get("hp_1", 0)})
	if err, ok := e.fail[len(e.calls)]; ok {
		return nil, err
	}
	out := g.Clone()
	for i := range out.Branches {
		if out.Branches[i].ID == "trafo_1" {
			out.Branches[i].NumParallel++
		}
	}
	return &reinforce.Result{Grid: out, Changes: []reinforce.Change{{Branch: "trafo_1"}}}, nil
}

func nonConvergent(stamps ...time.Time) error {
	return errs.Wrap(errs.PowerFlowNonConvergent, "test", &errs.NonConvergence{Timestamps: stamps})
}

func reinforcer(e reinforce.Engine, s reinforce.Strategy) *reinforce.Reinforcer {
	cfg := reinforce.Config{Strategy: s}
	cfg.SetDefaults()
	return &reinforce.Reinforcer{Engine: e, Config: cfg, Logger: logger.NopLogger{}}
}

func parallel(g *model.Grid, id string) int {
	for _, b := range g.Branches {
		if b.ID == id {
			return b.NumParallel
		}
	}
	return -1
}

func TestPlainRunNeedsNoStrategy(t *testing.T) {
	e := &scriptedEngine{}
	res, err := reinforcer(e, reinforce.StrategySplit).Run(context.Background(), testutil.District(4), nil)
	require.NoError(t, err)
	assert.Equal(t, reinforce.StrategyNone, res.Strategy)
	assert.Len(t, e.calls, 1)
}

func TestSplitReinforcesConvergedSubsetFirst(t *testing.T) {
	g := testutil.District(4)
	bad := g.TimeIndex[1]
	e := &scriptedEngine{fail: map[int]error{1: nonConvergent(bad)}}

	res, err := reinforcer(e, reinforce.StrategySplit).Run(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Equal(t, reinforce.StrategySplit, res.Strategy)
	require.Len(t, e.calls, 4)

	good := []time.Time{g.TimeIndex[0], g.TimeIndex[2], g.TimeIndex[3]}
	assert.Equal(t, good, e.calls[1].opts.Index)
	assert.Equal(t, []time.Time{bad}, e.calls[2].opts.Index)
	assert.Equal(t, 1000, e.calls[2].opts.IterationCap)
	assert.Equal(t, g.TimeIndex, e.calls[3].opts.Index)
	assert.Zero(t, e.calls[3].opts.IterationCap)

	assert.Equal(t, 4, parallel(res.Grid, "trafo_1"))
	assert.Len(t, res.Changes, 3)
	assert.Equal(t, 1, parallel(g, "trafo_1"))
}

func TestLPFRetriesWithSeed(t *testing.T) {
	g := testutil.District(4)
	e := &scriptedEngine{fail: map[int]error{1: nonConvergent(g.TimeIndex[0])}}
	res, err := reinforcer(e, reinforce.StrategyLPF).Run(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Equal(t, reinforce.StrategyLPF, res.Strategy)
	require.Len(t, e.calls, 2)
	assert.Equal(t, reinforce.SeedLPF, e.calls[1].opts.Seed)
}

func TestIterativeRampsScale(t *testing.T) {
	g := testutil.District(4)
	e := &scriptedEngine{fail: map[int]error{1: nonConvergent(g.TimeIndex[0])}}
	res, err := reinforcer(e, reinforce.StrategyIterative).Run(context.Background(), g, nil)
	require.NoError(t, err)
	assert.Equal(t, reinforce.StrategyIterative, res.Strategy)

	require.Len(t, e.calls, 6)
	base := g.TS.LoadsActivePower.Get("hp_1", 0)
	for k, f := range []float64{0.2, 0.4, 0.6, 0.8, 1.0} {
		assert.InDelta(t, base*f, e.calls[k+1].hp, 1e-12)
	}
	assert.Equal(t, 6, parallel(res.Grid, "trafo_1"))
	assert.True(t, res.Grid.TS.LoadsActivePower.Equal(g.TS.LoadsActivePower, 0))
}

func TestExhaustedChainIsFatal(t *testing.T) {
	g := testutil.District(4)
	nc := nonConvergent(g.TimeIndex[0])
	e := &scriptedEngine{fail: map[int]error{1: nc, 2: nc, 3: nc, 4: nc}}
	_, err := reinforcer(e, reinforce.StrategySplit).Run(context.Background(), g, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrPowerFlowNonConvergent))
	assert.True(t, errs.Fatal(errs.KindOf(err)))
	assert.Len(t, e.calls, 4)
}

func TestNoneStrategyDoesNotRecover(t *testing.T) {
	g := testutil.District(4)
	e := &scriptedEngine{fail: map[int]error{1: nonConvergent(g.TimeIndex[0])}}
	_, err := reinforcer(e, reinforce.StrategyNone).Run(context.Background(), g, nil)
	assert.True(t, errors.Is(err, errs.ErrPowerFlowNonConvergent))
	assert.Len(t, e.calls, 1)
}

func TestOtherErrorsAbortChain(t *testing.T) {
	boom := errors.New("boom")
	e := &scriptedEngine{fail: map[int]error{1: boom}}
	_, err := reinforcer(e, reinforce.StrategySplit).Run(context.Background(), testutil.District(4), nil)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, e.calls, 1)
}

func TestConfigValidate(t *testing.T) {
	cfg := reinforce.Config{Strategy: "magic"}
	cfg.SetDefaults()
	assert.True(t, errors.Is(cfg.Validate(), errs.ErrConfigInvalid))

	cfg = reinforce.Config{}
	cfg.SetDefaults()
	assert.NoError(t, cfg.Validate())

	_, err := reinforce.New(reinforce.Config{Engine: factory.ModuleConfig{Type: "nope"}}, nil)
	assert.True(t, errors.Is(err, errs.ErrConfigInvalid))
}

func TestWriteChanges(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, reinforce.WriteChanges(dir, []reinforce.Change{
		{Iteration: 1, Branch: "trafo_1", Kind: model.BranchTransformer, Reason: "overloading", Before: 1, After: 3, SNom: 0.63},
	}))
	raw, err := os.ReadFile(filepath.Join(dir, reinforce.ChangesFile))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "iteration,branch,kind,reason,num_parallel_before,num_parallel_after,s_nom", lines[0])
	assert.Equal(t, "1,trafo_1,transformer,overloading,1,3,0.63", lines[1])
}
