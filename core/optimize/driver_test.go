package optimize_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/gridflex/core/errs"
	"github.com/kilianp07/gridflex/core/feeder"
	"github.com/kilianp07/gridflex/core/metrics"
	"github.com/kilianp07/gridflex/core/optimize"
	"github.com/kilianp07/gridflex/internal/testutil"
	"github.com/kilianp07/gridflex/pkg/frame"
)

// recordingSolver keeps every window specification and result.
type recordingSolver struct {
	inner   optimize.Solver
	specs   []optimize.WindowSpec
	results []optimize.Result
	fail    map[int]error
}

type recordingModel struct {
	s     *recordingSolver
	inner optimize.Model
}

func (r *recordingSolver) Build(p optimize.Problem) (optimize.Model, error) {
	var inner optimize.Model
	if r.inner != nil {
		m, err := r.inner.Build(p)
		if err != nil {
			return nil, err
		}
		inner = m
	}
	return &recordingModel{s: r, inner: inner}, nil
}

func (m *recordingModel) Update(w optimize.WindowSpec) error {
	m.s.specs = append(m.s.specs, w)
	if m.inner != nil {
		return m.inner.Update(w)
	}
	return nil
}

func (m *recordingModel) Solve(ctx context.Context) (optimize.Result, error) {
	k := len(m.s.specs) - 1
	if err, ok := m.s.fail[k]; ok {
		m.s.results = append(m.s.results, nil)
		return nil, err
	}
	var res optimize.Result
	if m.inner != nil {
		r, err := m.inner.Solve(ctx)
		if err != nil {
			return nil, err
		}
		res = r
	} else {
		spec := m.s.specs[k]
		f := frame.New(spec.Index, []string{"hp_1"})
		for i := range spec.Index {
			f.Set("hp_1", i, float64(k*100+i))
		}
		res = optimize.Result{optimize.EnergyTES: f, optimize.SlackVPos: frame.New(spec.Index, []string{"lv_1"})}
	}
	m.s.results = append(m.s.results, res)
	return res, nil
}

type windowLog struct {
	metrics.NopSink
	events []metrics.WindowSolveEvent
}

func (w *windowLog) RecordWindowSolve(ev metrics.WindowSolveEvent) error {
	w.events = append(w.events, ev)
	return nil
}

func simplex(t *testing.T) optimize.Solver {
	t.Helper()
	s, err := optimize.NewSimplex(nil)
	require.NoError(t, err)
	return s
}

func TestRunWarmStartHandoff(t *testing.T) {
	g := testutil.SingleHeatPump(48)
	f := singleFeeder(t, g, hpOnly, "01")
	rec := &recordingSolver{inner: simplex(t)}
	out := t.TempDir()
	d := optimize.NewDriver(rec)
	sum, err := d.Run(context.Background(), f, optimize.Params{
		Grid: "1", Objective: optimize.MinimizeLoading,
		TotalSteps: 48, StepsPerWindow: 24, WindowsPerEra: 3, OverlapWindows: 6,
		OutDir: out,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Solved)
	require.Len(t, rec.results, 2)
	assert.Len(t, rec.specs[0].Index, 30)
	assert.Nil(t, rec.specs[0].Starts)

	harvested := rec.results[0][optimize.EnergyTES].Get("hp_1", 24)
	assert.InDelta(t, harvested, rec.specs[1].Starts[optimize.EnergyTES]["hp_1"], 1e-12)
	assert.InDelta(t, harvested, rec.results[1][optimize.EnergyTES].Get("hp_1", 0), eps)
	assert.InDelta(t, rec.results[0][optimize.ChargingHP].Get("hp_1", 24), rec.results[1][optimize.ChargingHP].Get("hp_1", 0), eps)

	var parts []frame.Frame
	for k := 0; k < 2; k++ {
		fr, err := frame.ReadFile(filepath.Join(out, optimize.FileName(optimize.EnergyTES, "1", "01", k)))
		require.NoError(t, err)
		assert.Equal(t, 24, fr.Len(), "only primary steps are written")
		parts = append(parts, fr)
	}
	merged, filled := frame.Merge(0, parts...)
	assert.Equal(t, 48, merged.Len())
	assert.Zero(t, filled)
}

func TestRunStateTrace(t *testing.T) {
	g := testutil.SingleHeatPump(48)
	f := singleFeeder(t, g, hpOnly, "01")
	d := optimize.NewDriver(&recordingSolver{})
	sum, err := d.Run(context.Background(), f, optimize.Params{
		Grid: "1", Objective: optimize.MinimizeLoading,
		TotalSteps: 48, StepsPerWindow: 12, WindowsPerEra: 2, OverlapWindows: 2, OutDir: t.TempDir(),
	})
	require.NoError(t, err)
	S := optimize.StateWindowSolve
	E := optimize.StateWindowEmit
	want := []optimize.State{optimize.StateInit,
		S, E, optimize.StateHandoff, S, E, optimize.StateEraBoundary,
		S, E, optimize.StateHandoff, S, E, optimize.StateEraBoundary,
		optimize.StateDone}
	assert.Equal(t, want, sum.Trace)
}

func TestRunSkipsFailedWindow(t *testing.T) {
	g := testutil.SingleHeatPump(36)
	f := singleFeeder(t, g, hpOnly, "01")
	rec := &recordingSolver{fail: map[int]error{1: errs.E(errs.SolverInfeasible, "test", "no solution")}}
	log := &windowLog{}
	d := optimize.NewDriver(rec)
	d.Metrics = log
	out := t.TempDir()
	sum, err := d.Run(context.Background(), f, optimize.Params{
		Grid: "1", Objective: optimize.MinimizeLoading,
		TotalSteps: 36, StepsPerWindow: 12, WindowsPerEra: 3, OverlapWindows: 2, OutDir: out,
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, sum.Skipped)
	assert.Equal(t, 2, sum.Solved)
	require.Len(t, rec.specs, 3)
	assert.NotNil(t, rec.specs[1].Starts, "window 0 hands off")
	assert.Equal(t, float64(12), rec.specs[1].Starts[optimize.EnergyTES]["hp_1"])
	assert.Nil(t, rec.specs[2].Starts, "no warm start after a failed window")

	_, err = os.Stat(filepath.Join(out, optimize.FileName(optimize.EnergyTES, "1", "01", 1)))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(out, optimize.FileName(optimize.SlackVPos, "1", "01", 0)))
	assert.True(t, os.IsNotExist(err), "all-zero slack tables are not written")

	require.Len(t, log.events, 3)
	assert.Equal(t, metrics.OutcomeInfeasible, log.events[1].Outcome)
	assert.Equal(t, metrics.OutcomeSolved, log.events[2].Outcome)
}

func TestRunSkipsUnclassifiedSolverErrors(t *testing.T) {
	g := testutil.SingleHeatPump(36)
	f := singleFeeder(t, g, hpOnly, "01")
	rec := &recordingSolver{fail: map[int]error{
		0: errors.New("singular basis"),
		1: fmt.Errorf("solve: %w", context.DeadlineExceeded),
	}}
	log := &windowLog{}
	d := optimize.NewDriver(rec)
	d.Metrics = log
	sum, err := d.Run(context.Background(), f, optimize.Params{
		Grid: "1", Objective: optimize.MinimizeLoading,
		TotalSteps: 36, StepsPerWindow: 12, WindowsPerEra: 3, OverlapWindows: 2, OutDir: t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, sum.Skipped)
	assert.Equal(t, 1, sum.Solved)
	require.Len(t, log.events, 3)
	assert.Equal(t, metrics.OutcomeInfeasible, log.events[0].Outcome)
	assert.Equal(t, metrics.OutcomeTimeout, log.events[1].Outcome)
	assert.Equal(t, metrics.OutcomeSolved, log.events[2].Outcome)
}

func TestRunStopsWhenCancelled(t *testing.T) {
	g := testutil.SingleHeatPump(24)
	f := singleFeeder(t, g, hpOnly, "01")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := &recordingSolver{fail: map[int]error{0: errs.Wrap(errs.SolverTimeout, "test", context.Canceled)}}
	sum, err := optimize.NewDriver(rec).Run(ctx, f, optimize.Params{
		Grid: "1", Objective: optimize.MinimizeLoading,
		TotalSteps: 24, StepsPerWindow: 12, WindowsPerEra: 2, OverlapWindows: 1, OutDir: t.TempDir(),
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sum.Skipped)
	assert.Len(t, rec.specs, 1)
}

func TestRunResetsStartsAtEraBoundary(t *testing.T) {
	g := testutil.SingleHeatPump(24)
	f := singleFeeder(t, g, hpOnly, "01")
	rec := &recordingSolver{}
	_, err := optimize.NewDriver(rec).Run(context.Background(), f, optimize.Params{
		Grid: "1", Objective: optimize.MinimizeLoading,
		TotalSteps: 24, StepsPerWindow: 6, WindowsPerEra: 2, OverlapWindows: 1, OutDir: t.TempDir(),
	})
	require.NoError(t, err)
	require.Len(t, rec.specs, 4)
	assert.NotNil(t, rec.specs[1].Starts)
	assert.True(t, rec.specs[1].EraLast)
	assert.Nil(t, rec.specs[2].Starts)
}

func TestRunFatalErrors(t *testing.T) {
	g := testutil.SingleHeatPump(24)
	f := singleFeeder(t, g, hpOnly, "01")
	rec := &recordingSolver{fail: map[int]error{0: errs.E(errs.NonRadialFeeder, "test", "loop")}}
	_, err := optimize.NewDriver(rec).Run(context.Background(), f, optimize.Params{
		Grid: "1", Objective: optimize.MinimizeLoading,
		TotalSteps: 24, StepsPerWindow: 24, WindowsPerEra: 1, OutDir: t.TempDir(),
	})
	assert.Equal(t, errs.NonRadialFeeder, errs.KindOf(err))

	_, err = optimize.NewDriver(&recordingSolver{}).Run(context.Background(), f, optimize.Params{
		Grid: "1", Objective: optimize.MinimizeLoading,
		TotalSteps: 48, StepsPerWindow: 24, WindowsPerEra: 1, OutDir: t.TempDir(),
	})
	assert.Equal(t, errs.WindowOutOfRange, errs.KindOf(err))
}

func TestRunSkipsEmptyFeeder(t *testing.T) {
	rec := &recordingSolver{}
	sum, err := optimize.NewDriver(rec).Run(context.Background(), feeder.Feeder{ID: "03", Empty: true}, optimize.Params{Grid: "177"})
	require.NoError(t, err)
	assert.Zero(t, sum.Windows)
	assert.Empty(t, rec.specs)
}
