package config

import (
	"github.com/rs/zerolog"

	"github.com/kilianp07/gridflex/core/errs"
	"github.com/kilianp07/gridflex/infra/logger"
)

// LoggingConfig defines the log level and the rotating log file.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
	// File is relative to the run directory unless absolute. Empty
	// disables the file output.
	File string `json:"file" yaml:"file"`
	// MaxSizeMB triggers rotation when the file exceeds this size in megabytes.
	MaxSizeMB int `json:"max_size_mb" yaml:"max_size_mb"`
	// MaxBackups limits the number of rotated files to keep.
	MaxBackups int `json:"max_backups" yaml:"max_backups"`
	// MaxAgeDays removes rotated files older than this number of days.
	MaxAgeDays int `json:"max_age_days" yaml:"max_age_days"`
}

// SetDefaults applies sane defaults.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.File == "" {
		c.File = "pipeline.log"
	}
	if c.MaxSizeMB == 0 {
		c.MaxSizeMB = 50
	}
	if c.MaxBackups == 0 {
		c.MaxBackups = 5
	}
}

// Validate checks the level name.
func (c LoggingConfig) Validate() error {
	if _, err := zerolog.ParseLevel(c.Level); err != nil {
		return errs.E(errs.ConfigInvalid, "config.logging", "level %q: %v", c.Level, err)
	}
	return nil
}

// Options returns the logger setup for file.
func (c LoggingConfig) Options(file string) logger.Options {
	return logger.Options{
		Level:      c.Level,
		File:       file,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
	}
}
