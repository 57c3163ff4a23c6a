// Package state persists the pipeline's opaque records, such as the version
// ledger, in SQLite or in a JSON file.
package state

import (
	"context"
	"path/filepath"

	"github.com/kilianp07/gridflex/core/errs"
)

// Store keeps JSON records keyed by name. A single writer is assumed.
type Store interface {
	// Get returns the record and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Close() error
}

// Backends.
const (
	BackendSQLite = "sqlite"
	BackendJSON   = "json"
)

// Config is the state area of the configuration.
type Config struct {
	Backend string `koanf:"backend" json:"backend"`
	// Path of the database or JSON file. Relative paths are resolved against
	// the results root.
	Path string `koanf:"path" json:"path"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Backend == "" {
		c.Backend = BackendSQLite
	}
	if c.Path == "" {
		switch c.Backend {
		case BackendJSON:
			c.Path = ".state.json"
		default:
			c.Path = ".state.db"
		}
	}
}

// Validate checks the backend name.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendSQLite, BackendJSON:
		return nil
	}
	return errs.E(errs.ConfigInvalid, "state.Config", "unknown backend %q", c.Backend)
}

// Open opens the configured store below root.
func Open(cfg Config, root string) (Store, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	path := cfg.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	if cfg.Backend == BackendJSON {
		s, err := OpenJSON(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	return s, nil
}
