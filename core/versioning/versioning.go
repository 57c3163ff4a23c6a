// Package versioning implements the pipeline version ledger: which version
// of a run is current and which version every task last completed.
package versioning

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kilianp07/gridflex/core/errs"
	"github.com/kilianp07/gridflex/core/logger"
)

// Ledger keys of the two configuration areas.
const (
	OptKey   = "_set_opt_version"
	GridsKey = "_set_grids_version"
)

// Records is the persistence the ledger needs.
type Records interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}

// Current is the active run and its version.
type Current struct {
	RunID   string `json:"run_id"`
	Version int    `json:"version"`
}

// Ledger is the persisted record.
type Ledger struct {
	Current *Current       `json:"current"`
	DB      map[string]int `json:"db"`
}

// Store guards one ledger record.
type Store struct {
	Records Records
	// Key is the record name, OptKey or GridsKey.
	Key     string
	RunID   string
	Version int
	// RunDir receives the configuration snapshot on a successful SetVersion.
	RunDir string
	// Config is the active configuration, written as YAML.
	Config any
	// Inputs returns a digest of the settings a task reads beyond its own
	// area, or "" when it reads none. A task whose digest changed since it
	// was recorded is out of date even at the current version.
	Inputs func(task string) string
	Logger logger.Logger
	Now    func() time.Time
}

func (s *Store) log() logger.Logger { return logger.OrNop(s.Logger) }

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Load reads the ledger; a missing record is an empty ledger.
func (s *Store) Load(ctx context.Context) (Ledger, error) {
	l := Ledger{DB: map[string]int{}}
	raw, ok, err := s.Records.Get(ctx, s.Key)
	if err != nil || !ok {
		return l, err
	}
	if err := json.Unmarshal(raw, &l); err != nil {
		return l, fmt.Errorf("decode %s: %w", s.Key, err)
	}
	if l.DB == nil {
		l.DB = map[string]int{}
	}
	return l, nil
}

func (s *Store) save(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Records.Put(ctx, key, raw)
}

// SetVersion makes the configured (run_id, version) current. An unknown run
// is first inserted at version 0. The configured version may equal the stored
// one or exceed it by one; anything else is refused with VersionRegression
// and the current run is left as it was. On success the configuration is written to
// RunDir and its path returned.
func (s *Store) SetVersion(ctx context.Context) (string, error) {
	const op = "versioning.SetVersion"
	if s.RunID == "" || s.Version < 0 {
		return "", errs.E(errs.ConfigInvalid, op, "run_id must be set and version non-negative")
	}
	l, err := s.Load(ctx)
	if err != nil {
		return "", err
	}
	stored, ok := l.DB[s.RunID]
	if !ok {
		l.DB[s.RunID] = 0
		if err := s.save(ctx, s.Key, l); err != nil {
			return "", err
		}
		if s.Version > 1 {
			s.log().Warnf("run %s is new, inserted at version 0", s.RunID)
		} else {
			s.log().Infof("run %s is new, starting at version 0", s.RunID)
		}
	}
	if s.Version < stored || s.Version > stored+1 {
		s.log().Warnw("version refused", map[string]any{"run_id": s.RunID, "configured": s.Version, "stored": stored})
		return "", errs.E(errs.VersionRegression, op,
			"run %s is at version %d, configured %d: set version to %d or %d in the configuration",
			s.RunID, stored, s.Version, stored, stored+1)
	}
	if s.Version == stored+1 {
		s.log().Infof("run %s advanced to version %d", s.RunID, s.Version)
	}
	l.DB[s.RunID] = s.Version
	l.Current = &Current{RunID: s.RunID, Version: s.Version}
	if err := s.save(ctx, s.Key, l); err != nil {
		return "", err
	}
	return s.writeConfig()
}

func (s *Store) writeConfig() (string, error) {
	if s.RunDir == "" || s.Config == nil {
		return "", nil
	}
	if err := os.MkdirAll(s.RunDir, 0o755); err != nil {
		return "", err
	}
	stamp := strings.ReplaceAll(s.now().UTC().Format("2006-01-02T15:04:05"), ":", "-")
	path := filepath.Join(s.RunDir, fmt.Sprintf("config_version_%d_%s.yaml", s.Version, stamp))
	raw, err := yaml.Marshal(s.Config)
	if err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	return path, os.WriteFile(path, raw, 0o644)
}

// Current returns the current run and version.
func (s *Store) Current(ctx context.Context) (Current, error) {
	l, err := s.Load(ctx)
	if err != nil {
		return Current{}, err
	}
	if l.Current == nil {
		return Current{}, errs.E(errs.IOMissing, "versioning.Current", "no version set for %s", s.Key)
	}
	return *l.Current, nil
}

func taskKey(task string) string { return "task:" + task }

func inputsKey(task string) string { return "inputs:" + task }

func (s *Store) inputs(task string) string {
	if s.Inputs == nil {
		return ""
	}
	return s.Inputs(task)
}

// Record stores the ledger map for task after it succeeded, with the digest
// of its inputs.
func (s *Store) Record(ctx context.Context, task string) error {
	l, err := s.Load(ctx)
	if err != nil {
		return err
	}
	if d := s.inputs(task); d != "" {
		if err := s.save(ctx, inputsKey(task), d); err != nil {
			return err
		}
	}
	return s.save(ctx, taskKey(task), l.DB)
}

func (s *Store) inputsUnchanged(ctx context.Context, task string) (bool, error) {
	d := s.inputs(task)
	if d == "" {
		return true, nil
	}
	raw, ok, err := s.Records.Get(ctx, inputsKey(task))
	if err != nil || !ok {
		return false, err
	}
	var stored string
	if err := json.Unmarshal(raw, &stored); err != nil {
		return false, fmt.Errorf("decode %s: %w", inputsKey(task), err)
	}
	if stored != d {
		s.log().Infof("%s: inputs changed since the last run", task)
		return false, nil
	}
	return true, nil
}

// IsUpToDate reports whether task last completed the current version of the
// current run with the same inputs.
func (s *Store) IsUpToDate(ctx context.Context, task string) (bool, error) {
	l, err := s.Load(ctx)
	if err != nil || l.Current == nil {
		return false, err
	}
	raw, ok, err := s.Records.Get(ctx, taskKey(task))
	if err != nil || !ok {
		return false, err
	}
	var done map[string]int
	if err := json.Unmarshal(raw, &done); err != nil {
		return false, fmt.Errorf("decode %s: %w", taskKey(task), err)
	}
	if v, ok := done[l.Current.RunID]; !ok || v != l.Current.Version {
		return false, nil
	}
	return s.inputsUnchanged(ctx, task)
}
