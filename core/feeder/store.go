package feeder

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/kilianp07/gridflex/core/errs"
	"github.com/kilianp07/gridflex/core/model"
)

const (
	metaFile      = "feeder.yaml"
	busFeederFile = "bus_feeder.csv"
)

type meta struct {
	ID              string   `yaml:"id"`
	Ring            bool     `yaml:"ring"`
	Empty           bool     `yaml:"empty"`
	FlexibleLoads   []string `yaml:"flexible_loads"`
	FlexibleStorage []string `yaml:"flexible_storage,omitempty"`
}

// WriteFeeders writes one snapshot directory per feeder under dir/NN and the
// bus to feeder table as dir/bus_feeder.csv.
func WriteFeeders(dir string, res Result) error {
	for _, f := range res.Feeders {
		sub := filepath.Join(dir, f.ID)
		if err := model.SaveGrid(sub, f.Grid); err != nil {
			return fmt.Errorf("feeder %s: %w", f.ID, err)
		}
		b, err := yaml.Marshal(meta{ID: f.ID, Ring: f.Ring, Empty: f.Empty, FlexibleLoads: f.FlexibleLoads, FlexibleStorage: f.FlexibleStorage})
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(sub, metaFile), b, 0o644); err != nil {
			return err
		}
	}
	return writeBusFeeder(filepath.Join(dir, busFeederFile), res.BusFeeder)
}

func writeBusFeeder(path string, m map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()
	buses := make([]string, 0, len(m))
	for b := range m {
		buses = append(buses, b)
	}
	sort.Strings(buses)
	w := csv.NewWriter(file)
	if err := w.Write([]string{"bus", "feeder_id"}); err != nil {
		return err
	}
	for _, b := range buses {
		if err := w.Write([]string{b, m[b]}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// LoadFeeder reads back one feeder directory written by WriteFeeders.
func LoadFeeder(dir string) (Feeder, error) {
	g, err := model.LoadGrid(dir)
	if err != nil {
		return Feeder{}, err
	}
	b, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Feeder{}, errs.Wrap(errs.IOMissing, "feeder.LoadFeeder", err)
		}
		return Feeder{}, err
	}
	var m meta
	if err := yaml.Unmarshal(b, &m); err != nil {
		return Feeder{}, errs.Wrap(errs.DataShapeMismatch, "feeder.LoadFeeder", err)
	}
	return Feeder{ID: m.ID, Grid: g, FlexibleLoads: m.FlexibleLoads, FlexibleStorage: m.FlexibleStorage, Ring: m.Ring, Empty: m.Empty}, nil
}

// ListIDs returns the feeder ids present under dir, ascending. A missing
// directory yields no ids.
func ListIDs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, e.Name(), metaFile)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
