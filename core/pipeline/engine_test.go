package pipeline_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/gridflex/core/metrics"
	"github.com/kilianp07/gridflex/core/pipeline"
	"github.com/kilianp07/gridflex/internal/eventbus"
	"github.com/kilianp07/gridflex/internal/testutil"
)

type trace struct{ ran []string }

func (tr *trace) task(name string, deps ...string) pipeline.Task {
	return pipeline.Task{Name: name, Deps: deps, Actions: []pipeline.Action{func(context.Context) error {
		tr.ran = append(tr.ran, name)
		return nil
	}}}
}

type recorder struct{ recorded []string }

func (r *recorder) Record(_ context.Context, task string) error {
	r.recorded = append(r.recorded, task)
	return nil
}

func TestDependenciesRunFirstAndOnce(t *testing.T) {
	tr := &trace{}
	e := pipeline.NewEngine("R", nil)
	require.NoError(t, e.Add(
		tr.task("concat:177", "optimize"),
		tr.task("optimize:177:01", "feeders:177"),
		tr.task("optimize:177:02", "feeders:177"),
		tr.task("feeders:177", "timeframe:177"),
		tr.task("timeframe:177"),
	))
	require.NoError(t, e.Run(context.Background(), "concat:177", "optimize"))
	assert.Equal(t, []string{"timeframe:177", "feeders:177", "optimize:177:01", "optimize:177:02", "concat:177"}, tr.ran)
}

func TestFailureMarksDependentsUnmet(t *testing.T) {
	tr := &trace{}
	rep := pipeline.NewReporter("exec", t.TempDir(), nil)
	e := pipeline.NewEngine("R", nil)
	e.Reporter = rep
	boom := pipeline.Task{Name: "feeders:177", Actions: []pipeline.Action{func(context.Context) error {
		return errors.New("non-radial")
	}}}
	require.NoError(t, e.Add(boom, tr.task("optimize:177:01", "feeders:177"), tr.task("timeframe:178")))

	err := e.Run(context.Background(), "optimize:177:01", "timeframe:178")
	require.Error(t, err)
	assert.Equal(t, []string{"timeframe:178"}, tr.ran)

	o, _ := e.Outcome("optimize:177:01")
	assert.Equal(t, metrics.OutcomeUnmet, o)
	s := rep.Summary()
	assert.Equal(t, 1, s.Succeeded)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Unmet)
	assert.False(t, s.OK())

	_, path, err := rep.Finish()
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(path), "run_"))
	assert.Contains(t, string(raw), "exec,feeders:177,non-radial")
	assert.NotContains(t, string(raw), "optimize:177:01")
}

func TestUpToDateTasksAreSkipped(t *testing.T) {
	tr := &trace{}
	rec := &recorder{}
	e := pipeline.NewEngine("R", nil)
	e.Versions = rec
	done := tr.task("optimize:177:01")
	done.UpToDate = func(context.Context) (bool, error) { return true, nil }
	done.Versioned = true
	fresh := tr.task("concat:177", "optimize:177:01")
	fresh.UpToDate = func(context.Context) (bool, error) { return false, nil }
	fresh.Versioned = true
	require.NoError(t, e.Add(done, fresh))

	require.NoError(t, e.Run(context.Background(), "concat:177"))
	assert.Equal(t, []string{"concat:177"}, tr.ran)
	assert.Equal(t, []string{"concat:177"}, rec.recorded)
	o, _ := e.Outcome("optimize:177:01")
	assert.Equal(t, metrics.OutcomeUpToDate, o)
}

func TestGeneratorsRunAfterTheirPrerequisites(t *testing.T) {
	dir := t.TempDir()
	tr := &trace{}
	e := pipeline.NewEngine("R", nil)
	require.NoError(t, e.AddGenerator(pipeline.Generator{
		Name: "feeders",
		Gen: func(context.Context) ([]pipeline.Task, error) {
			return []pipeline.Task{{Name: "feeders:177", Actions: []pipeline.Action{func(context.Context) error {
				tr.ran = append(tr.ran, "feeders:177")
				for _, id := range []string{"01", "02"} {
					if err := os.MkdirAll(filepath.Join(dir, id), 0o755); err != nil {
						return err
					}
				}
				return nil
			}}}}, nil
		},
	}))
	require.NoError(t, e.AddGenerator(pipeline.Generator{
		Name:        "optimize",
		CreateAfter: []string{"feeders"},
		Gen: func(context.Context) ([]pipeline.Task, error) {
			entries, err := os.ReadDir(dir)
			if err != nil {
				return nil, err
			}
			var out []pipeline.Task
			for _, en := range entries {
				out = append(out, tr.task(pipeline.Name("optimize", "177", en.Name())))
			}
			return out, nil
		},
	}))

	require.NoError(t, e.Run(context.Background(), "optimize"))
	assert.Equal(t, []string{"feeders:177", "optimize:177:01", "optimize:177:02"}, tr.ran)
	names := e.Tasks()
	sort.Strings(names)
	assert.Equal(t, []string{"feeders:177", "optimize:177:01", "optimize:177:02"}, names)
}

func TestGeneratorBehindFailedTargetIsUnmet(t *testing.T) {
	e := pipeline.NewEngine("R", nil)
	require.NoError(t, e.Add(pipeline.Task{Name: "feeders:177", Actions: []pipeline.Action{func(context.Context) error {
		return errors.New("boom")
	}}}))
	called := false
	require.NoError(t, e.AddGenerator(pipeline.Generator{
		Name:        "optimize",
		CreateAfter: []string{"feeders"},
		Gen: func(context.Context) ([]pipeline.Task, error) {
			called = true
			return nil, nil
		},
	}))
	require.NoError(t, e.Add(pipeline.Group("ref", "reference", "optimize")))
	assert.Error(t, e.Run(context.Background(), "ref"))
	assert.False(t, called)
}

func TestUnknownTarget(t *testing.T) {
	e := pipeline.NewEngine("R", nil)
	err := e.Run(context.Background(), "nope")
	assert.ErrorIs(t, err, pipeline.ErrUnknownTarget)
}

func TestDependencyCycle(t *testing.T) {
	tr := &trace{}
	e := pipeline.NewEngine("R", nil)
	require.NoError(t, e.Add(tr.task("a", "b"), tr.task("b", "a")))
	assert.Error(t, e.Run(context.Background(), "a"))
}

func TestEventsAndMetrics(t *testing.T) {
	tr := &trace{}
	bus := eventbus.NewTyped[metrics.TaskEvent]()
	sub := bus.Subscribe()
	sink := &taskSink{}
	log := &testutil.Logger{}
	e := pipeline.NewEngine("R", log)
	e.Events = bus
	e.Metrics = sink
	require.NoError(t, e.Add(tr.task("timeframe:177")))
	require.NoError(t, e.Run(context.Background(), "timeframe:177"))

	ev := <-sub
	assert.Equal(t, "timeframe:177", ev.Task)
	assert.Equal(t, "R", ev.RunID)
	assert.Equal(t, metrics.OutcomeSucceeded, ev.Outcome)
	assert.Len(t, sink.events, 1)
}

func TestTaskNames(t *testing.T) {
	assert.Equal(t, "optimize:177:01:minimize_loading", pipeline.Name("optimize", "177", "01", "minimize_loading"))
	assert.Equal(t, "concat:177:minimize_loading", pipeline.Name("concat", "177", "", "minimize_loading"))
	assert.Equal(t, "concat", pipeline.Stage("concat:177"))
}

type taskSink struct{ events []metrics.TaskEvent }

func (s *taskSink) RecordTask(ev metrics.TaskEvent) error {
	s.events = append(s.events, ev)
	return nil
}

func TestFailedDependencyDoesNotStopSiblings(t *testing.T) {
	tr := &trace{}
	e := pipeline.NewEngine("R", nil)
	boom := pipeline.Task{Name: "reinforce:177:minimize_loading", Actions: []pipeline.Action{func(context.Context) error {
		return errors.New("strategies exhausted")
	}}}
	require.NoError(t, e.Add(
		boom,
		tr.task("reinforce:178:minimize_loading"),
		pipeline.Group("min_exp", "", "reinforce:177:minimize_loading", "reinforce:178:minimize_loading"),
	))

	require.Error(t, e.Run(context.Background(), "min_exp"))
	assert.Equal(t, []string{"reinforce:178:minimize_loading"}, tr.ran)
	o, _ := e.Outcome("min_exp")
	assert.Equal(t, metrics.OutcomeUnmet, o)
}
