package testutil

import (
	"fmt"
	"sync"

	"github.com/kilianp07/gridflex/core/logger"
)

// Logger records warnings and errors and discards everything else.
type Logger struct {
	logger.Nop
	mu       sync.Mutex
	Warnings []string
	Errors   []string
}

func (l *Logger) Warnf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Warnings = append(l.Warnings, fmt.Sprintf(format, args...))
}

func (l *Logger) Warnw(msg string, _ map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Warnings = append(l.Warnings, msg)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Errors = append(l.Errors, fmt.Sprintf(format, args...))
}

// WarningCount is safe for concurrent use.
func (l *Logger) WarningCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Warnings)
}
