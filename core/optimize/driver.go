package optimize

import (
	"context"
	"errors"
	"time"

	"github.com/kilianp07/gridflex/core/dnm"
	"github.com/kilianp07/gridflex/core/errs"
	"github.com/kilianp07/gridflex/core/feeder"
	"github.com/kilianp07/gridflex/core/logger"
	"github.com/kilianp07/gridflex/core/metrics"
	"github.com/kilianp07/gridflex/pkg/frame"
)

// State is a step of the driver state machine.
type State int

const (
	StateInit State = iota
	StateWindowSolve
	StateWindowEmit
	StateHandoff
	StateEraBoundary
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateWindowSolve:
		return "WINDOW_SOLVE"
	case StateWindowEmit:
		return "WINDOW_EMIT"
	case StateHandoff:
		return "HANDOFF"
	case StateEraBoundary:
		return "ERA_BOUNDARY"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Params are the per-run settings of the driver.
type Params struct {
	// Grid is the id of the MV grid district, used in file names.
	Grid           string
	Objective      Objective
	Start          time.Time
	TotalSteps     int
	StepsPerWindow int
	WindowsPerEra  int
	OverlapWindows int
	// SolverTimeout bounds each window solve; zero means no bound.
	SolverTimeout time.Duration
	// OutDir receives the per-window tables of the feeder.
	OutDir string
}

// Summary reports what a run did.
type Summary struct {
	Windows int
	Solved  int
	Skipped []int
	Files   []string
	// Trace is the sequence of visited states.
	Trace []State
}

// Driver runs the rolling horizon over one feeder.
type Driver struct {
	Solver  Solver
	Logger  logger.Logger
	Metrics metrics.WindowRecorder
}

// NewDriver returns a driver with no-op logging and metrics.
func NewDriver(s Solver) *Driver {
	return &Driver{Solver: s, Logger: logger.Nop{}, Metrics: metrics.NopSink{}}
}

// Run solves the windows of f in ascending time order and writes the primary
// part of each solution to p.OutDir. Infeasible or timed-out windows are
// skipped without warm start; every other error aborts the run.
//
//gocyclo:ignore
func (d *Driver) Run(ctx context.Context, f feeder.Feeder, p Params) (Summary, error) {
	const op = "optimize.Run"
	log := logger.OrNop(d.Logger)
	rec := d.Metrics
	if rec == nil {
		rec = metrics.NopSink{}
	}
	var sum Summary
	if f.Empty {
		log.Infof("feeder %s of grid %s has no flexible loads, skipping", f.ID, p.Grid)
		return sum, nil
	}
	windows, err := Schedule(p.TotalSteps, p.StepsPerWindow, p.WindowsPerEra, p.OverlapWindows)
	if err != nil {
		return sum, err
	}
	sum.Windows = len(windows)
	index := f.Grid.IndexFrom(p.Start, p.TotalSteps)
	if !frame.ContainsIndex(f.Grid.TimeIndex, index) {
		return sum, errs.E(errs.WindowOutOfRange, op, "feeder %s does not cover %d steps from %s", f.ID, p.TotalSteps, index[0].Format(frame.Layout))
	}

	var (
		mdl    Model
		res    Result
		starts Starts
		k      int
	)
	state := StateInit
	for state != StateDone {
		sum.Trace = append(sum.Trace, state)
		switch state {
		case StateInit:
			m, err := dnm.Build(f.Grid)
			if err != nil {
				return sum, err
			}
			mdl, err = d.Solver.Build(Problem{Grid: p.Grid, Feeder: f, DNM: m, Objective: p.Objective})
			if err != nil {
				return sum, err
			}
			state = StateWindowSolve

		case StateWindowSolve:
			w := windows[k]
			spec := WindowSpec{Index: index[w.Start : w.Start+w.HorizonLen], Starts: starts, EraLast: w.EraLast}
			if err := mdl.Update(spec); err != nil {
				return sum, err
			}
			sctx, cancel := solveContext(ctx, p.SolverTimeout)
			began := time.Now()
			res, err = mdl.Solve(sctx)
			cancel()
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			err = solveError(err)
			outcome := metrics.OutcomeSolved
			switch errs.KindOf(err) {
			case errs.KindUnknown:
			case errs.SolverTimeout:
				outcome = metrics.OutcomeTimeout
			default:
				outcome = metrics.OutcomeInfeasible
			}
			_ = rec.RecordWindowSolve(metrics.WindowSolveEvent{Grid: p.Grid, Feeder: f.ID, Window: k, Outcome: outcome, Duration: time.Since(began), Time: time.Now()})
			if err != nil {
				if errs.Fatal(errs.KindOf(err)) {
					return sum, err
				}
				log.Warnw("window skipped", map[string]any{"grid": p.Grid, "feeder": f.ID, "window": k, "error": err.Error()})
				res = nil
				sum.Skipped = append(sum.Skipped, k)
				state = boundary(w)
				continue
			}
			state = StateWindowEmit

		case StateWindowEmit:
			w := windows[k]
			files, err := WriteWindow(p.OutDir, p.Grid, f.ID, k, w.PrimaryLen, res)
			sum.Files = append(sum.Files, files...)
			if err != nil {
				return sum, err
			}
			sum.Solved++
			log.Debugf("feeder %s: %s written", f.ID, w)
			state = boundary(w)

		case StateHandoff:
			starts = nil
			if res != nil {
				// the first step after the primary window opens the next one
				starts = Harvest(res, windows[k].PrimaryLen)
			}
			res = nil
			k++
			state = next(k, len(windows))

		case StateEraBoundary:
			starts = nil
			res = nil
			k++
			state = next(k, len(windows))
		}
	}
	sum.Trace = append(sum.Trace, StateDone)
	log.Infof("feeder %s of grid %s: %d/%d windows solved", f.ID, p.Grid, sum.Solved, sum.Windows)
	return sum, nil
}

// solveError gives a solver failure without a kind the kind of a skipped
// window: a deadline is a timeout, anything else infeasible.
func solveError(err error) error {
	if err == nil || errs.KindOf(err) != errs.KindUnknown {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.SolverTimeout, "optimize.Solve", err)
	}
	return errs.Wrap(errs.SolverInfeasible, "optimize.Solve", err)
}

func boundary(w Window) State {
	if w.EraLast {
		return StateEraBoundary
	}
	return StateHandoff
}

func next(k, n int) State {
	if k < n {
		return StateWindowSolve
	}
	return StateDone
}
