// Package notify forwards pipeline progress to external endpoints.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kilianp07/gridflex/core/factory"
	"github.com/kilianp07/gridflex/core/logger"
	"github.com/kilianp07/gridflex/core/metrics"
)

// Message is one notification.
type Message struct {
	RunID       string        `json:"run_id"`
	ExecutionID string        `json:"execution_id"`
	Task        string        `json:"task,omitempty"`
	Outcome     string        `json:"outcome,omitempty"`
	Duration    time.Duration `json:"duration_ns,omitempty"`
	Text        string        `json:"text"`
	Time        time.Time     `json:"time"`
}

// FromTask renders a task event.
func FromTask(executionID string, ev metrics.TaskEvent) Message {
	text := fmt.Sprintf("%s %s in %s", ev.Task, ev.Outcome, ev.Duration.Round(time.Millisecond))
	if ev.Error != "" {
		text += ": " + ev.Error
	}
	return Message{
		RunID: ev.RunID, ExecutionID: executionID, Task: ev.Task, Outcome: ev.Outcome,
		Duration: ev.Duration, Text: text, Time: ev.Time,
	}
}

// Notifier delivers messages.
type Notifier interface {
	Notify(ctx context.Context, m Message) error
}

// Config is the notify area of the configuration.
type Config struct {
	Notifiers []factory.ModuleConfig `json:"notifiers" koanf:"notifiers" yaml:"notifiers"`
	// Outcomes selects the task events forwarded. Empty forwards all.
	Outcomes []string `json:"outcomes" koanf:"outcomes" yaml:"outcomes"`
}

var registry = factory.NewRegistry[Notifier]()

// RegisterNotifier adds a notifier factory identified by name.
func RegisterNotifier(name string, f factory.Factory[Notifier]) error {
	return registry.Register(name, f)
}

// New builds the configured notifiers. With none configured it returns Nop.
func New(cfgs []factory.ModuleConfig) (Notifier, error) {
	if len(cfgs) == 0 {
		return Nop{}, nil
	}
	out := make(Multi, 0, len(cfgs))
	for _, c := range cfgs {
		n, err := registry.Create(c)
		if err != nil {
			return nil, fmt.Errorf("notifier %s: %w", c.Type, err)
		}
		out = append(out, n)
	}
	if len(out) == 1 {
		return out[0], nil
	}
	return out, nil
}

// Nop drops every message.
type Nop struct{}

func (Nop) Notify(context.Context, Message) error { return nil }

// Multi delivers to every notifier and joins the errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Forward delivers task events from sub until it is closed. Delivery errors
// are logged. The returned channel is closed when forwarding stops.
func Forward(ctx context.Context, sub <-chan metrics.TaskEvent, n Notifier, executionID string, outcomes []string, log logger.Logger) <-chan struct{} {
	log = logger.OrNop(log)
	keep := map[string]bool{}
	for _, o := range outcomes {
		keep[o] = true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub {
			if len(keep) > 0 && !keep[ev.Outcome] {
				continue
			}
			if err := n.Notify(ctx, FromTask(executionID, ev)); err != nil {
				log.Warnf("notify %s: %v", ev.Task, err)
			}
		}
	}()
	return done
}
