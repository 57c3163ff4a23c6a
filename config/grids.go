package config

import (
	"regexp"

	"github.com/kilianp07/gridflex/core/errs"
)

// gridID excludes the separators used in result file names.
var gridID = regexp.MustCompile(`^[^_\-:/\\]+$`)

// GridsConfig is the grid-preparation area.
type GridsConfig struct {
	RunID   string `json:"run_id" yaml:"run_id"`
	Version int    `json:"version" yaml:"version"`
	// MVGDs are the ids of the grid districts to process.
	MVGDs []string `json:"mvgds" yaml:"mvgds"`
	// ImportDir holds one snapshot directory per grid district.
	ImportDir string `json:"import_dir" yaml:"import_dir"`
	// FixPreparation reinforces the reference grid against the worst case
	// before it is split into feeders.
	FixPreparation bool `json:"fix_preparation" yaml:"fix_preparation"`
}

// SetDefaults fills zero values.
func (c *GridsConfig) SetDefaults() {
	if c.ImportDir == "" {
		c.ImportDir = "grids"
	}
}

// Validate checks required keys.
func (c GridsConfig) Validate() error {
	const op = "config.grids"
	switch {
	case c.RunID == "":
		return errs.E(errs.ConfigInvalid, op, "run_id is required")
	case c.Version < 0:
		return errs.E(errs.ConfigInvalid, op, "version must be non-negative, got %d", c.Version)
	case len(c.MVGDs) == 0:
		return errs.E(errs.ConfigInvalid, op, "mvgds must list at least one grid")
	}
	seen := map[string]bool{}
	for _, g := range c.MVGDs {
		if !gridID.MatchString(g) {
			return errs.E(errs.ConfigInvalid, op, "grid id %q must not contain '_', '-', ':' or path separators", g)
		}
		if seen[g] {
			return errs.E(errs.ConfigInvalid, op, "grid %s listed twice", g)
		}
		seen[g] = true
	}
	return nil
}
