package metrics

import (
	"time"

	"github.com/kilianp07/gridflex/pkg/frame"
)

// Outcome values shared by task and window events.
const (
	OutcomeSucceeded  = "succeeded"
	OutcomeFailed     = "failed"
	OutcomeUpToDate   = "up_to_date"
	OutcomeUnmet      = "unmet"
	OutcomeSolved     = "solved"
	OutcomeInfeasible = "infeasible"
	OutcomeTimeout    = "timeout"
)

// TaskEvent is the execution record of one pipeline task.
type TaskEvent struct {
	RunID    string
	Task     string
	Outcome  string
	Duration time.Duration
	Error    string
	Time     time.Time
}

// MetricsSink records pipeline events for observability purposes.
type MetricsSink interface {
	RecordTask(ev TaskEvent) error
}

// WindowSolveEvent is one rolling-horizon window solve.
type WindowSolveEvent struct {
	Grid     string
	Feeder   string
	Window   int
	Outcome  string
	Duration time.Duration
	Time     time.Time
}

// WindowRecorder records window solves.
type WindowRecorder interface {
	RecordWindowSolve(ev WindowSolveEvent) error
}

// SeriesEvent carries one concatenated dispatch table.
type SeriesEvent struct {
	Grid      string
	Objective string
	// Scenario is empty for the reference case.
	Scenario string
	Param    string
	Series   frame.Frame
}

// SeriesRecorder is implemented by sinks able to store time series.
type SeriesRecorder interface {
	RecordSeries(ev SeriesEvent) error
}

// Flusher is implemented by sinks that buffer until the end of a run.
type Flusher interface {
	Flush() error
}

// NopSink implements every recorder with no-op methods.
type NopSink struct{}

func (NopSink) RecordTask(TaskEvent) error               { return nil }
func (NopSink) RecordWindowSolve(WindowSolveEvent) error { return nil }
func (NopSink) RecordSeries(SeriesEvent) error           { return nil }
