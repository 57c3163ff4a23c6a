package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	coremetrics "github.com/kilianp07/gridflex/core/metrics"
	"github.com/kilianp07/gridflex/core/pipeline"
)

// PromConfig configures the Prometheus sink.
type PromConfig struct {
	// Textfile receives the metrics on Flush, for the node exporter
	// textfile collector.
	Textfile string `json:"textfile"`
	// Listen serves /metrics on this address when set.
	Listen string `json:"listen"`
}

// PromSink records pipeline events in Prometheus metrics.
type PromSink struct {
	cfg      PromConfig
	gatherer prometheus.Gatherer
	tasks    *prometheus.HistogramVec
	outcomes *prometheus.CounterVec
	windows  *prometheus.HistogramVec
}

// NewPromSink registers the pipeline metrics on the default registerer.
func NewPromSink(cfg PromConfig) (*PromSink, error) {
	return NewPromSinkWithRegistry(cfg, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// Nil arguments default to the global registry.
func NewPromSinkWithRegistry(cfg PromConfig, reg prometheus.Registerer, gath prometheus.Gatherer) (*PromSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if gath == nil {
		gath = prometheus.DefaultGatherer
	}
	tasks := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_task_duration_seconds",
		Help:    "Execution time of pipeline tasks",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"stage", "outcome"})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_tasks_total",
		Help: "Pipeline tasks by outcome",
	}, []string{"run_id", "outcome"})
	windows := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatch_window_solve_seconds",
		Help:    "Solve time of rolling-horizon windows",
		Buckets: prometheus.DefBuckets,
	}, []string{"grid", "outcome"})

	var err error
	if tasks, err = register(reg, tasks); err != nil {
		return nil, err
	}
	if outcomes, err = register(reg, outcomes); err != nil {
		return nil, err
	}
	if windows, err = register(reg, windows); err != nil {
		return nil, err
	}
	return &PromSink{cfg: cfg, gatherer: gath, tasks: tasks, outcomes: outcomes, windows: windows}, nil
}

// register reuses a collector registered earlier under the same name.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(C), nil
		}
		return c, err
	}
	return c, nil
}

// RecordTask implements core metrics.MetricsSink.
func (s *PromSink) RecordTask(ev coremetrics.TaskEvent) error {
	s.outcomes.WithLabelValues(ev.RunID, ev.Outcome).Inc()
	if ev.Outcome == coremetrics.OutcomeSucceeded || ev.Outcome == coremetrics.OutcomeFailed {
		s.tasks.WithLabelValues(pipeline.Stage(ev.Task), ev.Outcome).Observe(ev.Duration.Seconds())
	}
	return nil
}

// RecordWindowSolve implements core metrics.WindowRecorder.
func (s *PromSink) RecordWindowSolve(ev coremetrics.WindowSolveEvent) error {
	s.windows.WithLabelValues(ev.Grid, ev.Outcome).Observe(ev.Duration.Seconds())
	return nil
}

// Flush writes the textfile when configured.
func (s *PromSink) Flush() error {
	if s.cfg.Textfile == "" {
		return nil
	}
	return prometheus.WriteToTextfile(s.cfg.Textfile, s.gatherer)
}

// SetTextfile redirects Flush, e.g. to the run directory.
func (s *PromSink) SetTextfile(path string) { s.cfg.Textfile = path }

// Listen returns the configured HTTP address.
func (s *PromSink) Listen() string { return s.cfg.Listen }

// StartPromServer serves the default gatherer on addr until ctx is done.
func StartPromServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
