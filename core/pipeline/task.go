// Package pipeline runs named tasks in dependency order, one at a time.
//
// Tasks are registered directly or produced lazily by generators. A
// generator is evaluated the first time one of its tasks is needed, after
// every target listed in its CreateAfter has been executed, so it may inspect
// files written by those targets.
package pipeline

import (
	"context"
	"strings"
)

// Action is one step of a task.
type Action func(ctx context.Context) error

// Task is a unit of work. Name is "<stage>:<grid>[:<feeder>][:<objective>]";
// Basename defaults to the stage.
type Task struct {
	Name     string
	Basename string
	Actions  []Action
	// Deps are task names, basenames or generator names.
	Deps []string
	// UpToDate reports whether the task can be skipped. Nil means never.
	UpToDate func(ctx context.Context) (bool, error)
	// Versioned tasks are recorded in the version ledger after success.
	Versioned bool
	// Args are the parameters the task was generated with, for the log.
	Args map[string]any
	Doc  string
}

func (t Task) base() string {
	if t.Basename != "" {
		return t.Basename
	}
	return Stage(t.Name)
}

// Generator produces the tasks of one basename.
type Generator struct {
	Name        string
	CreateAfter []string
	Gen         func(ctx context.Context) ([]Task, error)
}

// Name joins task name parts, skipping empty ones.
func Name(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ":")
}

// Stage returns the first part of a task name.
func Stage(name string) string {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[:i]
	}
	return name
}

// Group is a task with dependencies only.
func Group(name, doc string, deps ...string) Task {
	return Task{Name: name, Doc: doc, Deps: deps}
}
