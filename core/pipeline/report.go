package pipeline

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kilianp07/gridflex/core/logger"
	"github.com/kilianp07/gridflex/core/metrics"
)

// Summary counts task outcomes of one run.
type Summary struct {
	ExecutionID string
	Succeeded   int
	Failed      int
	UpToDate    int
	Unmet       int
	Failures    []metrics.TaskEvent
	Elapsed     time.Duration
}

// OK reports whether nothing failed.
func (s Summary) OK() bool { return s.Failed == 0 && s.Unmet == 0 }

func (s Summary) String() string {
	return fmt.Sprintf("%d succeeded, %d failed, %d up-to-date, %d unmet in %s",
		s.Succeeded, s.Failed, s.UpToDate, s.Unmet, s.Elapsed.Round(time.Millisecond))
}

// Reporter logs every task and writes the failures of a run.
type Reporter struct {
	// ExecutionID tags the rows of this process.
	ExecutionID string
	// Dir is the run directory receiving run_<time>.csv.
	Dir    string
	Logger logger.Logger
	Now    func() time.Time

	mu     sync.Mutex
	start  time.Time
	events []metrics.TaskEvent
}

// NewReporter starts timing a run.
func NewReporter(executionID, dir string, log logger.Logger) *Reporter {
	return &Reporter{ExecutionID: executionID, Dir: dir, Logger: logger.OrNop(log), start: time.Now()}
}

func (r *Reporter) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Record logs one task outcome.
func (r *Reporter) Record(ev metrics.TaskEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	log := logger.OrNop(r.Logger)
	switch ev.Outcome {
	case metrics.OutcomeFailed:
		log.Errorf("%s failed after %s: %s", ev.Task, ev.Duration.Round(time.Millisecond), ev.Error)
	case metrics.OutcomeUnmet:
		log.Warnf("%s skipped: %s", ev.Task, ev.Error)
	case metrics.OutcomeUpToDate:
		log.Infof("%s up-to-date", ev.Task)
	default:
		log.Infof("%s done in %s", ev.Task, ev.Duration.Round(time.Millisecond))
	}
}

// Summary aggregates the recorded outcomes.
func (r *Reporter) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summary{ExecutionID: r.ExecutionID, Elapsed: r.now().Sub(r.start)}
	for _, ev := range r.events {
		switch ev.Outcome {
		case metrics.OutcomeSucceeded:
			s.Succeeded++
		case metrics.OutcomeFailed:
			s.Failed++
			s.Failures = append(s.Failures, ev)
		case metrics.OutcomeUpToDate:
			s.UpToDate++
		case metrics.OutcomeUnmet:
			s.Unmet++
		}
	}
	return s
}

// Finish logs the summary and writes run_<time>.csv with the failed tasks.
// It returns the summary and the path written, if any.
func (r *Reporter) Finish() (Summary, string, error) {
	s := r.Summary()
	logger.OrNop(r.Logger).Infof("run finished: %s", s)
	if r.Dir == "" {
		return s, "", nil
	}
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return s, "", err
	}
	stamp := strings.ReplaceAll(r.now().UTC().Format("2006-01-02T15:04:05"), ":", "-")
	path := filepath.Join(r.Dir, "run_"+stamp+".csv")
	f, err := os.Create(path)
	if err != nil {
		return s, "", err
	}
	w := csv.NewWriter(f)
	_ = w.Write([]string{"execution_id", "task", "error"})
	for _, ev := range s.Failures {
		_ = w.Write([]string{r.ExecutionID, ev.Task, ev.Error})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return s, "", err
	}
	return s, path, f.Close()
}
