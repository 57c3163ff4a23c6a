package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kilianp07/gridflex/core/logger"
	"github.com/kilianp07/gridflex/core/metrics"
	"github.com/kilianp07/gridflex/core/monitoring"
	"github.com/kilianp07/gridflex/internal/eventbus"
)

// Recorder stores the ledger for a task after it succeeded.
type Recorder interface {
	Record(ctx context.Context, task string) error
}

// ErrUnknownTarget is returned for targets no task or generator provides.
var ErrUnknownTarget = errors.New("unknown task")

type genState int

const (
	genPending genState = iota
	genRunning
	genDone
)

// Engine executes tasks. It is not safe for concurrent use.
type Engine struct {
	RunID    string
	Logger   logger.Logger
	Versions Recorder
	Metrics  metrics.MetricsSink
	Events   *eventbus.TypedBus[metrics.TaskEvent]
	Reporter *Reporter
	Now      func() time.Time

	tasks    map[string]*Task
	byBase   map[string][]string
	gens     map[string]*Generator
	genState map[string]genState
	genOut   map[string]string
	outcome  map[string]string
	visiting map[string]bool
}

// NewEngine returns an engine for one run.
func NewEngine(runID string, log logger.Logger) *Engine {
	return &Engine{
		RunID:    runID,
		Logger:   logger.OrNop(log),
		tasks:    map[string]*Task{},
		byBase:   map[string][]string{},
		gens:     map[string]*Generator{},
		genState: map[string]genState{},
		genOut:   map[string]string{},
		outcome:  map[string]string{},
		visiting: map[string]bool{},
	}
}

// Add registers tasks. Names must be unique.
func (e *Engine) Add(tasks ...Task) error {
	for i := range tasks {
		t := tasks[i]
		if t.Name == "" {
			return errors.New("task without name")
		}
		if _, dup := e.tasks[t.Name]; dup {
			return fmt.Errorf("task %s registered twice", t.Name)
		}
		e.tasks[t.Name] = &t
		e.byBase[t.base()] = append(e.byBase[t.base()], t.Name)
	}
	return nil
}

// AddGenerator registers a lazy task generator.
func (e *Engine) AddGenerator(g Generator) error {
	if _, dup := e.gens[g.Name]; dup {
		return fmt.Errorf("generator %s registered twice", g.Name)
	}
	e.gens[g.Name] = &g
	return nil
}

// Tasks lists the names known so far.
func (e *Engine) Tasks() []string {
	out := make([]string, 0, len(e.tasks))
	for n := range e.tasks {
		out = append(out, n)
	}
	return out
}

// Outcome returns the outcome of a task executed in this run.
func (e *Engine) Outcome(name string) (string, bool) {
	o, ok := e.outcome[name]
	return o, ok
}

// Run executes targets and everything they depend on. It returns an error
// when a target is unknown or any executed task failed or was unmet.
func (e *Engine) Run(ctx context.Context, targets ...string) error {
	var failed []string
	for _, t := range targets {
		o, err := e.runTarget(ctx, t)
		if err != nil {
			return err
		}
		if !ok(o) {
			failed = append(failed, t)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("targets not completed: %v", failed)
	}
	return nil
}

func ok(outcome string) bool {
	return outcome == metrics.OutcomeSucceeded || outcome == metrics.OutcomeUpToDate
}

// runTarget executes every task a target resolves to and returns the worst
// outcome.
func (e *Engine) runTarget(ctx context.Context, target string) (string, error) {
	names, o, err := e.resolve(ctx, target)
	if err != nil || !ok(o) {
		return o, err
	}
	worst := metrics.OutcomeSucceeded
	for _, n := range names {
		o, err := e.execute(ctx, n)
		if err != nil {
			return "", err
		}
		if !ok(o) {
			worst = metrics.OutcomeUnmet
		}
	}
	return worst, nil
}

// resolve maps a target to task names, evaluating its generator if needed.
func (e *Engine) resolve(ctx context.Context, target string) ([]string, string, error) {
	if _, found := e.tasks[target]; found {
		return []string{target}, metrics.OutcomeSucceeded, nil
	}
	gen := target
	if _, found := e.gens[gen]; !found {
		gen = Stage(target)
	}
	if _, found := e.gens[gen]; found {
		if o, err := e.generate(ctx, gen); err != nil || !ok(o) {
			return nil, o, err
		}
		if _, found := e.tasks[target]; found {
			return []string{target}, metrics.OutcomeSucceeded, nil
		}
		if target == gen {
			return e.byBase[gen], metrics.OutcomeSucceeded, nil
		}
	}
	if names, found := e.byBase[target]; found {
		return names, metrics.OutcomeSucceeded, nil
	}
	return nil, "", fmt.Errorf("%w: %s", ErrUnknownTarget, target)
}

func (e *Engine) generate(ctx context.Context, name string) (string, error) {
	switch e.genState[name] {
	case genDone:
		return e.genOut[name], nil
	case genRunning:
		return "", fmt.Errorf("generator %s depends on itself", name)
	}
	e.genState[name] = genRunning
	g := e.gens[name]
	out, err := e.generateOnce(ctx, g)
	if err != nil {
		return "", err
	}
	e.genState[name] = genDone
	e.genOut[name] = out
	return out, nil
}

func (e *Engine) generateOnce(ctx context.Context, g *Generator) (string, error) {
	for _, dep := range g.CreateAfter {
		o, err := e.runTarget(ctx, dep)
		if err != nil {
			return "", err
		}
		if !ok(o) {
			e.emit(g.Name, metrics.OutcomeUnmet, 0, fmt.Errorf("dependency %s not completed", dep))
			return metrics.OutcomeUnmet, nil
		}
	}
	start := e.now()
	tasks, err := g.Gen(ctx)
	if err != nil {
		e.fail(g.Name, e.now().Sub(start), err)
		return metrics.OutcomeFailed, nil
	}
	for i := range tasks {
		if tasks[i].Basename == "" {
			tasks[i].Basename = g.Name
		}
	}
	if err := e.Add(tasks...); err != nil {
		return "", err
	}
	e.Logger.Debugf("generator %s produced %d tasks", g.Name, len(tasks))
	return metrics.OutcomeSucceeded, nil
}

func (e *Engine) execute(ctx context.Context, name string) (string, error) {
	if o, done := e.outcome[name]; done {
		return o, nil
	}
	if e.visiting[name] {
		return "", fmt.Errorf("task %s depends on itself", name)
	}
	e.visiting[name] = true
	defer delete(e.visiting, name)

	t := e.tasks[name]
	// every dependency runs so independent branches still complete
	var unmet error
	for _, d := range t.Deps {
		o, err := e.runTarget(ctx, d)
		if err != nil {
			return "", fmt.Errorf("%s: %w", name, err)
		}
		if !ok(o) && unmet == nil {
			unmet = fmt.Errorf("dependency %s not completed", d)
		}
	}
	if unmet != nil {
		return e.finish(name, metrics.OutcomeUnmet, 0, unmet), nil
	}
	if len(t.Actions) == 0 && t.UpToDate == nil {
		e.outcome[name] = metrics.OutcomeSucceeded
		return metrics.OutcomeSucceeded, nil
	}
	if t.UpToDate != nil {
		upToDate, err := t.UpToDate(ctx)
		if err != nil {
			return e.fail(name, 0, err), nil
		}
		if upToDate {
			return e.finish(name, metrics.OutcomeUpToDate, 0, nil), nil
		}
	}

	start := e.now()
	if len(t.Args) > 0 {
		e.Logger.Debugw("task started", map[string]any{"task": name, "args": t.Args})
	}
	for _, a := range t.Actions {
		if err := ctx.Err(); err != nil {
			return e.fail(name, e.now().Sub(start), err), nil
		}
		if err := a(ctx); err != nil {
			return e.fail(name, e.now().Sub(start), err), nil
		}
	}
	if t.Versioned && e.Versions != nil {
		if err := e.Versions.Record(ctx, name); err != nil {
			return e.fail(name, e.now().Sub(start), fmt.Errorf("record version: %w", err)), nil
		}
	}
	return e.finish(name, metrics.OutcomeSucceeded, e.now().Sub(start), nil), nil
}

func (e *Engine) fail(name string, d time.Duration, err error) string {
	monitoring.CaptureException(err, map[string]string{"task": name, "run_id": e.RunID})
	return e.finish(name, metrics.OutcomeFailed, d, err)
}

func (e *Engine) finish(name, outcome string, d time.Duration, err error) string {
	e.outcome[name] = outcome
	e.emit(name, outcome, d, err)
	return outcome
}

func (e *Engine) emit(name, outcome string, d time.Duration, err error) {
	ev := metrics.TaskEvent{RunID: e.RunID, Task: name, Outcome: outcome, Duration: d, Time: e.now()}
	if err != nil {
		ev.Error = err.Error()
	}
	if e.Reporter != nil {
		e.Reporter.Record(ev)
	}
	if e.Metrics != nil {
		if mErr := e.Metrics.RecordTask(ev); mErr != nil {
			e.Logger.Warnf("record task %s: %v", name, mErr)
		}
	}
	if e.Events != nil {
		e.Events.Publish(ev)
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
