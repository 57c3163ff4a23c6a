// Package logger writes the pipeline logs with zerolog: a console stream and
// an optional rotating JSON file in the run directory.
package logger

import corelogger "github.com/kilianp07/gridflex/core/logger"

// Logger is the logging contract of the core packages.
type Logger = corelogger.Logger

// NopLogger discards everything.
type NopLogger = corelogger.Nop

// New returns a Logger tagged with component on the output installed by
// Setup. Loggers created before Setup keep writing to stderr.
func New(component string) Logger {
	return NewWith(component, nil)
}
