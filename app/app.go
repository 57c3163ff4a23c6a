// Package app assembles the dispatch pipeline: it builds the task graph
// from the configuration and wires the ledger, metrics, notifications and
// reporting around the engine.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/gridflex/config"
	"github.com/kilianp07/gridflex/core/factory"
	coremetrics "github.com/kilianp07/gridflex/core/metrics"
	coremon "github.com/kilianp07/gridflex/core/monitoring"
	"github.com/kilianp07/gridflex/core/notify"
	"github.com/kilianp07/gridflex/core/optimize"
	"github.com/kilianp07/gridflex/core/pipeline"
	"github.com/kilianp07/gridflex/core/reinforce"
	"github.com/kilianp07/gridflex/core/versioning"
	"github.com/kilianp07/gridflex/infra/logger"
	"github.com/kilianp07/gridflex/infra/metrics"
	"github.com/kilianp07/gridflex/infra/monitoring"
	"github.com/kilianp07/gridflex/infra/state"
	"github.com/kilianp07/gridflex/internal/eventbus"

	// built-in notifiers
	_ "github.com/kilianp07/gridflex/infra/notify"
)

// MetricsFile is the Prometheus textfile written to the run directory.
const MetricsFile = "metrics.prom"

// App is one pipeline invocation.
type App struct {
	Config      *config.Config
	Layout      Layout
	ExecutionID string
	Engine      *pipeline.Engine
	Reporter    *pipeline.Reporter

	log        logger.Logger
	store      state.Store
	ledgers    ledgers
	sink       coremetrics.MetricsSink
	windows    coremetrics.WindowRecorder
	bus        *eventbus.TypedBus[coremetrics.TaskEvent]
	notifier   notify.Notifier
	forwarded  <-chan struct{}
	solver     optimize.Solver
	reinforcer *reinforce.Reinforcer
	cancel     context.CancelFunc
	closed     bool
}

// Option customises New, mostly for tests.
type Option func(*App)

// WithSink replaces the configured metrics sinks.
func WithSink(s coremetrics.MetricsSink) Option { return func(a *App) { a.sink = s } }

// WithNotifier replaces the configured notifiers.
func WithNotifier(n notify.Notifier) Option { return func(a *App) { a.notifier = n } }

// New wires an App from cfg. The caller must Close it.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		Config:      cfg,
		ExecutionID: uuid.NewString(),
		log:         logger.New("pipeline"),
		Layout: Layout{
			Import:   cfg.Grids.ImportDir,
			GridsRun: cfg.GridsRunDir(),
			OptRun:   cfg.RunDir(),
		},
	}
	for _, o := range opts {
		o(a)
	}
	if err := a.wire(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

//gocyclo:ignore
func (a *App) wire(ctx context.Context) error {
	cfg := a.Config
	var err error

	mon, err := monitoring.NewSentryMonitor(cfg.Monitoring, cfg.Opt.RunID)
	if err != nil {
		return fmt.Errorf("sentry: %w", err)
	}
	coremon.Init(mon)

	if a.store, err = state.Open(cfg.State, cfg.Paths.Results); err != nil {
		return fmt.Errorf("state store: %w", err)
	}
	snapshot := cfg.Redacted()
	a.ledgers = ledgers{
		grids: &versioning.Store{
			Records: a.store, Key: versioning.GridsKey,
			RunID: cfg.Grids.RunID, Version: cfg.Grids.Version,
			RunDir: a.Layout.GridsRun, Config: snapshot, Inputs: a.inputs,
			Logger: logger.New("versioning"),
		},
		opt: &versioning.Store{
			Records: a.store, Key: versioning.OptKey,
			RunID: cfg.Opt.RunID, Version: cfg.Opt.Version,
			RunDir: a.Layout.OptRun, Config: snapshot, Logger: logger.New("versioning"),
		},
	}

	if a.sink == nil {
		if a.sink, err = coremetrics.NewMetricsSink(cfg.Metrics.Sinks); err != nil {
			return fmt.Errorf("metrics sinks: %w", err)
		}
	}
	a.windows = coremetrics.NopSink{}
	if rec, ok := a.sink.(coremetrics.WindowRecorder); ok {
		a.windows = rec
	}
	srvCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	for _, p := range promSinks(a.sink) {
		p.SetTextfile(filepath.Join(a.Layout.OptRun, MetricsFile))
		if addr := p.Listen(); addr != "" {
			go func() {
				if err := metrics.StartPromServer(srvCtx, addr); err != nil {
					a.log.Errorf("prom server: %v", err)
				}
			}()
		}
	}

	if a.solver, err = optimize.Solvers.Create(factory.ModuleConfig{Type: cfg.Opt.Solver, Conf: cfg.Opt.SolverConf}); err != nil {
		return fmt.Errorf("solver: %w", err)
	}
	if a.reinforcer, err = reinforce.New(cfg.Reinforce, logger.New("reinforce")); err != nil {
		return fmt.Errorf("reinforcer: %w", err)
	}

	if a.notifier == nil {
		if a.notifier, err = notify.New(cfg.Notify.Notifiers); err != nil {
			return fmt.Errorf("notifiers: %w", err)
		}
	}
	a.bus = eventbus.NewTyped[coremetrics.TaskEvent]()
	a.forwarded = notify.Forward(ctx, a.bus.SubscribeN(256), a.notifier, a.ExecutionID, cfg.Notify.Outcomes, logger.New("notify"))

	a.Reporter = pipeline.NewReporter(a.ExecutionID, a.Layout.OptRun, logger.New("reporter"))
	a.Engine = pipeline.NewEngine(cfg.Opt.RunID, a.log)
	a.Engine.Versions = a.ledgers
	a.Engine.Metrics = a.sink
	a.Engine.Events = a.bus
	a.Engine.Reporter = a.Reporter
	return a.register()
}

// promSinks finds the Prometheus sinks, also inside a MultiSink.
func promSinks(s coremetrics.MetricsSink) []*metrics.PromSink {
	switch v := s.(type) {
	case *metrics.PromSink:
		return []*metrics.PromSink{v}
	case *coremetrics.MultiSink:
		var out []*metrics.PromSink
		for _, sub := range v.Sinks {
			out = append(out, promSinks(sub)...)
		}
		return out
	}
	return nil
}

// Run executes targets and finishes the run: the failure report is written,
// the metrics flushed and the summary notified. The error is non-nil when a
// target did not complete.
func (a *App) Run(ctx context.Context, targets ...string) (pipeline.Summary, error) {
	a.log.Infof("execution %s: %s, targets %v", a.ExecutionID, a.Config, targets)
	runErr := a.Engine.Run(ctx, targets...)

	sum, path, err := a.Reporter.Finish()
	if err != nil {
		a.log.Errorf("write run report: %v", err)
	} else if path != "" {
		a.log.Infof("run report written to %s", path)
	}
	if f, ok := a.sink.(coremetrics.Flusher); ok {
		if err := f.Flush(); err != nil {
			a.log.Warnf("flush metrics: %v", err)
		}
	}
	msg := notify.Message{
		RunID:       a.Config.Opt.RunID,
		ExecutionID: a.ExecutionID,
		Duration:    sum.Elapsed,
		Text:        sum.String(),
		Time:        time.Now(),
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.notifier.Notify(nctx, msg); err != nil {
		a.log.Warnf("notify summary: %v", err)
	}
	return sum, runErr
}

// Close drains the notifications and releases the stores.
func (a *App) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	var errList []error
	if a.bus != nil {
		a.bus.Close()
		<-a.forwarded
	}
	if a.cancel != nil {
		a.cancel()
	}
	errList = append(errList, closeAll(a.notifier))
	if a.store != nil {
		errList = append(errList, a.store.Close())
	}
	coremon.Flush(2 * time.Second)
	return errors.Join(errList...)
}

func closeAll(n notify.Notifier) error {
	switch v := n.(type) {
	case notify.Multi:
		var errList []error
		for _, sub := range v {
			errList = append(errList, closeAll(sub))
		}
		return errors.Join(errList...)
	case io.Closer:
		return v.Close()
	}
	return nil
}

// ledgers routes ledger records to the area a task belongs to.
type ledgers struct {
	grids, opt *versioning.Store
}

func (l ledgers) For(task string) *versioning.Store {
	if gridStages[pipeline.Stage(task)] {
		return l.grids
	}
	return l.opt
}

func (l ledgers) Record(ctx context.Context, task string) error {
	return l.For(task).Record(ctx, task)
}
