package model

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kilianp07/gridflex/core/errs"
	"github.com/kilianp07/gridflex/pkg/frame"
)

const topologyFile = "topology.yaml"

type topologyDoc struct {
	ID             string                    `yaml:"id"`
	SlackBus       string                    `yaml:"slack_bus"`
	TimeIndex      []string                  `yaml:"time_index"`
	Buses          []Bus                     `yaml:"buses"`
	Branches       []Branch                  `yaml:"branches"`
	Switches       []Switch                  `yaml:"switches,omitempty"`
	Generators     []Generator               `yaml:"generators,omitempty"`
	Loads          []Load                    `yaml:"loads"`
	StorageUnits   []StorageUnit             `yaml:"storage_units,omitempty"`
	ThermalStorage map[string]ThermalStorage `yaml:"thermal_storage,omitempty"`
	CosPhi         CosPhiPolicy              `yaml:"cos_phi,omitempty"`
	WorstCase      map[string]float64        `yaml:"worst_case_scale_factors,omitempty"`
}

// SaveGrid writes the snapshot to dir: topology.yaml plus one CSV per
// time-indexed table under timeseries/.
func SaveGrid(dir string, g *Grid) error {
	if err := os.MkdirAll(filepath.Join(dir, "timeseries"), 0o755); err != nil {
		return err
	}
	doc := topologyDoc{
		ID:             g.ID,
		SlackBus:       g.SlackBus,
		Buses:          g.Buses,
		Branches:       g.Branches,
		Switches:       g.Switches,
		Generators:     g.Generators,
		Loads:          g.Loads,
		StorageUnits:   g.StorageUnits,
		ThermalStorage: g.ThermalStorage,
		CosPhi:         g.CosPhi,
		WorstCase:      g.WorstCase,
	}
	for _, ts := range g.TimeIndex {
		doc.TimeIndex = append(doc.TimeIndex, ts.Format(frame.Layout))
	}
	b, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, topologyFile), b, 0o644); err != nil {
		return err
	}
	for name, f := range g.Frames() {
		if f.Width() == 0 {
			continue
		}
		if err := frame.WriteFile(filepath.Join(dir, "timeseries", name+".csv"), *f, frame.Full); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// LoadGrid reads a snapshot written by SaveGrid.
func LoadGrid(dir string) (*Grid, error) {
	b, err := os.ReadFile(filepath.Join(dir, topologyFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.Wrap(errs.IOMissing, "model.LoadGrid", err)
		}
		return nil, err
	}
	var doc topologyDoc
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, errs.Wrap(errs.DataShapeMismatch, "model.LoadGrid", err)
	}
	g := &Grid{
		ID:             doc.ID,
		SlackBus:       doc.SlackBus,
		Buses:          doc.Buses,
		Branches:       doc.Branches,
		Switches:       doc.Switches,
		Generators:     doc.Generators,
		Loads:          doc.Loads,
		StorageUnits:   doc.StorageUnits,
		ThermalStorage: doc.ThermalStorage,
		CosPhi:         doc.CosPhi,
		WorstCase:      doc.WorstCase,
	}
	if g.CosPhi == nil {
		g.CosPhi = DefaultCosPhi()
	}
	for _, s := range doc.TimeIndex {
		ts, err := frame.ParseTime(s)
		if err != nil {
			return nil, errs.Wrap(errs.DataShapeMismatch, "model.LoadGrid", err)
		}
		g.TimeIndex = append(g.TimeIndex, ts)
	}
	for name, f := range g.Frames() {
		path := filepath.Join(dir, "timeseries", name+".csv")
		loaded, err := frame.ReadFile(path)
		if err != nil {
			if errors.Is(err, errs.ErrIOMissing) {
				*f = frame.New(g.TimeIndex, nil)
				continue
			}
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		*f = loaded
	}
	return g, nil
}

// IndexFrom returns the first n hourly stamps of the snapshot starting at
// start; a zero start means the first stamp.
func (g *Grid) IndexFrom(start time.Time, n int) []time.Time {
	if start.IsZero() && len(g.TimeIndex) > 0 {
		start = g.TimeIndex[0]
	}
	return frame.HourlyIndex(start, n)
}
