// Package monitoring reports pipeline failures to Sentry.
package monitoring

import (
	"time"

	"github.com/getsentry/sentry-go"

	coremon "github.com/kilianp07/gridflex/core/monitoring"
)

// Config holds the Sentry client settings. An empty DSN disables reporting.
type Config struct {
	DSN              string  `json:"dsn" koanf:"dsn" yaml:"dsn"`
	Environment      string  `json:"environment" koanf:"environment" yaml:"environment"`
	Release          string  `json:"release" koanf:"release" yaml:"release"`
	TracesSampleRate float64 `json:"traces_sample_rate" koanf:"traces_sample_rate" yaml:"traces_sample_rate"`
}

// NewSentryMonitor initializes Sentry and returns a Monitor. Every event is
// tagged with runID.
func NewSentryMonitor(cfg Config, runID string) (coremon.Monitor, error) {
	if cfg.DSN == "" {
		return coremon.NopMonitor{}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		TracesSampleRate: cfg.TracesSampleRate,
		Release:          cfg.Release,
	})
	if err != nil {
		return nil, err
	}
	if runID != "" {
		sentry.ConfigureScope(func(scope *sentry.Scope) {
			scope.SetTag("run_id", runID)
		})
	}
	return &sentryMonitor{hub: sentry.CurrentHub()}, nil
}

type sentryMonitor struct {
	hub *sentry.Hub
}

func (s *sentryMonitor) CaptureException(err error, tags map[string]string) {
	if err == nil {
		return
	}
	if len(tags) == 0 {
		s.hub.CaptureException(err)
		return
	}
	s.hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		s.hub.CaptureException(err)
	})
}

func (s *sentryMonitor) CapturePanic(r any) { s.hub.Recover(r) }

func (s *sentryMonitor) Flush(timeout time.Duration) { s.hub.Flush(timeout) }
