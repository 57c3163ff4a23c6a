package model

import (
	"fmt"
	"math"
	"time"

	"github.com/kilianp07/gridflex/core/errs"
	"github.com/kilianp07/gridflex/pkg/frame"
)

// LoadType distinguishes conventional demand from flexible technologies.
type LoadType string

const (
	LoadConventional  LoadType = "conventional"
	LoadHeatPump      LoadType = "heat_pump"
	LoadChargingPoint LoadType = "charging_point"
)

// Sector applies to charging points only.
type Sector string

const (
	SectorHome   Sector = "home"
	SectorWork   Sector = "work"
	SectorPublic Sector = "public"
)

// BranchKind separates lines from transformers.
type BranchKind string

const (
	BranchLine        BranchKind = "line"
	BranchTransformer BranchKind = "transformer"
)

// MVThresholdKV separates medium voltage from low voltage buses.
const MVThresholdKV = 1.0

// Bus is a node of the grid. VNom is in kV.
type Bus struct {
	ID   string  `yaml:"id"`
	VNom float64 `yaml:"v_nom"`
}

// IsMV reports whether the bus belongs to the medium voltage level.
func (b Bus) IsMV() bool { return b.VNom > MVThresholdKV }

// Branch is a line or transformer between two buses. R and X are in Ohm
// referred to the Bus1 voltage level, SNom in MVA.
type Branch struct {
	ID          string     `yaml:"id"`
	Bus0        string     `yaml:"bus0"`
	Bus1        string     `yaml:"bus1"`
	R           float64    `yaml:"r"`
	X           float64    `yaml:"x"`
	SNom        float64    `yaml:"s_nom"`
	Kind        BranchKind `yaml:"kind"`
	NumParallel int        `yaml:"num_parallel"`
}

// Other returns the far end of the branch seen from bus.
func (b Branch) Other(bus string) string {
	if b.Bus0 == bus {
		return b.Bus1
	}
	return b.Bus0
}

// Switch is an open disconnector. MV rings are operated radially by opening
// one switch per ring.
type Switch struct {
	ID   string `yaml:"id"`
	Bus0 string `yaml:"bus0"`
	Bus1 string `yaml:"bus1"`
}

// Generator is a feed-in unit with nominal power in MW.
type Generator struct {
	ID   string  `yaml:"id"`
	Bus  string  `yaml:"bus"`
	PNom float64 `yaml:"p_nom"`
	Type string  `yaml:"type"`
}

// Load is a demand unit with rated power PSet in MW.
type Load struct {
	ID     string   `yaml:"id"`
	Bus    string   `yaml:"bus"`
	Type   LoadType `yaml:"type"`
	Sector Sector   `yaml:"sector,omitempty"`
	PSet   float64  `yaml:"p_set"`
	// Opt marks loads whose series were replaced by optimised dispatch. It is
	// only meaningful on snapshots produced by the dispatch integrator.
	Opt bool `yaml:"opt"`
}

// StorageUnit is a stationary battery.
type StorageUnit struct {
	ID         string  `yaml:"id"`
	Bus        string  `yaml:"bus"`
	PNom       float64 `yaml:"p_nom"`
	Capacity   float64 `yaml:"capacity"`
	Efficiency float64 `yaml:"efficiency"`
	SOCInitial float64 `yaml:"soc_initial"`
}

// ThermalStorage belongs to a heat pump. Capacity is in MWh; Efficiency is the
// share of stored energy retained per hour.
type ThermalStorage struct {
	Capacity   float64 `yaml:"capacity"`
	Efficiency float64 `yaml:"efficiency"`
	SOCInitial float64 `yaml:"soc_initial"`
}

// TimeSeries holds the active and reactive power of every component.
type TimeSeries struct {
	LoadsActivePower        frame.Frame
	LoadsReactivePower      frame.Frame
	GeneratorsActivePower   frame.Frame
	GeneratorsReactivePower frame.Frame
	StorageActivePower      frame.Frame
	StorageReactivePower    frame.Frame
}

// HeatPumpProfiles holds heat demand (MW) and coefficient of performance per
// heat pump load.
type HeatPumpProfiles struct {
	HeatDemand frame.Frame
	COP        frame.Frame
}

// EVBands are the flexibility envelopes of the charging points.
type EVBands struct {
	UpperPower  frame.Frame
	UpperEnergy frame.Frame
	LowerEnergy frame.Frame
}

// Grid is an immutable snapshot of an MV grid district with its LV grids.
type Grid struct {
	ID             string
	SlackBus       string
	Buses          []Bus
	Branches       []Branch
	Switches       []Switch
	Generators     []Generator
	Loads          []Load
	StorageUnits   []StorageUnit
	ThermalStorage map[string]ThermalStorage
	TimeIndex      []time.Time
	TS             TimeSeries
	HeatPumps      HeatPumpProfiles
	EV             EVBands
	CosPhi         CosPhiPolicy
	// WorstCase holds the scale factors of the worst-case analysis, e.g.
	// "mv_load_case_hp".
	WorstCase map[string]float64
}

// Bus returns the bus with the given id.
func (g *Grid) Bus(id string) (Bus, bool) {
	for _, b := range g.Buses {
		if b.ID == id {
			return b, true
		}
	}
	return Bus{}, false
}

// BusIndex maps bus ids to buses.
func (g *Grid) BusIndex() map[string]Bus {
	m := make(map[string]Bus, len(g.Buses))
	for _, b := range g.Buses {
		m[b.ID] = b
	}
	return m
}

// Load returns the load with the given id.
func (g *Grid) Load(id string) (Load, bool) {
	for _, l := range g.Loads {
		if l.ID == id {
			return l, true
		}
	}
	return Load{}, false
}

// LoadsOfType returns the loads of type t in declaration order.
func (g *Grid) LoadsOfType(t LoadType) []Load {
	var out []Load
	for _, l := range g.Loads {
		if l.Type == t {
			out = append(out, l)
		}
	}
	return out
}

// Clone returns a deep copy. Frames are copied too.
func (g *Grid) Clone() *Grid {
	c := &Grid{
		ID:           g.ID,
		SlackBus:     g.SlackBus,
		Buses:        append([]Bus(nil), g.Buses...),
		Branches:     append([]Branch(nil), g.Branches...),
		Switches:     append([]Switch(nil), g.Switches...),
		Generators:   append([]Generator(nil), g.Generators...),
		Loads:        append([]Load(nil), g.Loads...),
		StorageUnits: append([]StorageUnit(nil), g.StorageUnits...),
		TimeIndex:    append([]time.Time(nil), g.TimeIndex...),
		CosPhi:       g.CosPhi.Clone(),
	}
	if g.ThermalStorage != nil {
		c.ThermalStorage = make(map[string]ThermalStorage, len(g.ThermalStorage))
		for k, v := range g.ThermalStorage {
			c.ThermalStorage[k] = v
		}
	}
	if g.WorstCase != nil {
		c.WorstCase = make(map[string]float64, len(g.WorstCase))
		for k, v := range g.WorstCase {
			c.WorstCase[k] = v
		}
	}
	c.TS = TimeSeries{
		LoadsActivePower:        g.TS.LoadsActivePower.Clone(),
		LoadsReactivePower:      g.TS.LoadsReactivePower.Clone(),
		GeneratorsActivePower:   g.TS.GeneratorsActivePower.Clone(),
		GeneratorsReactivePower: g.TS.GeneratorsReactivePower.Clone(),
		StorageActivePower:      g.TS.StorageActivePower.Clone(),
		StorageReactivePower:    g.TS.StorageReactivePower.Clone(),
	}
	c.HeatPumps = HeatPumpProfiles{HeatDemand: g.HeatPumps.HeatDemand.Clone(), COP: g.HeatPumps.COP.Clone()}
	c.EV = EVBands{
		UpperPower:  g.EV.UpperPower.Clone(),
		UpperEnergy: g.EV.UpperEnergy.Clone(),
		LowerEnergy: g.EV.LowerEnergy.Clone(),
	}
	return c
}

// Frames returns pointers to every time-indexed table of the snapshot, keyed
// by their file name.
func (g *Grid) Frames() map[string]*frame.Frame {
	return map[string]*frame.Frame{
		"loads_active_power":           &g.TS.LoadsActivePower,
		"loads_reactive_power":         &g.TS.LoadsReactivePower,
		"generators_active_power":      &g.TS.GeneratorsActivePower,
		"generators_reactive_power":    &g.TS.GeneratorsReactivePower,
		"storage_units_active_power":   &g.TS.StorageActivePower,
		"storage_units_reactive_power": &g.TS.StorageReactivePower,
		"heat_demand":                  &g.HeatPumps.HeatDemand,
		"cop":                          &g.HeatPumps.COP,
		"ev_upper_power":               &g.EV.UpperPower,
		"ev_upper_energy":              &g.EV.UpperEnergy,
		"ev_lower_energy":              &g.EV.LowerEnergy,
	}
}

// Validate checks referential integrity and the profile invariants.
//
//gocyclo:ignore
func (g *Grid) Validate() error {
	const op = "model.Validate"
	buses := g.BusIndex()
	if _, ok := buses[g.SlackBus]; !ok {
		return errs.E(errs.DataShapeMismatch, op, "slack bus %q unknown", g.SlackBus)
	}
	for _, br := range g.Branches {
		if _, ok := buses[br.Bus0]; !ok {
			return errs.E(errs.DataShapeMismatch, op, "branch %s: bus0 %q unknown", br.ID, br.Bus0)
		}
		if _, ok := buses[br.Bus1]; !ok {
			return errs.E(errs.DataShapeMismatch, op, "branch %s: bus1 %q unknown", br.ID, br.Bus1)
		}
	}
	loads := map[string]Load{}
	for _, l := range g.Loads {
		if _, ok := buses[l.Bus]; !ok {
			return errs.E(errs.DataShapeMismatch, op, "load %s: bus %q unknown", l.ID, l.Bus)
		}
		loads[l.ID] = l
	}
	for _, gen := range g.Generators {
		if _, ok := buses[gen.Bus]; !ok {
			return errs.E(errs.DataShapeMismatch, op, "generator %s: bus %q unknown", gen.ID, gen.Bus)
		}
	}
	for name, f := range g.Frames() {
		if f.Width() == 0 && f.Len() == 0 {
			continue
		}
		if len(f.Index) != len(g.TimeIndex) || !frame.ContainsIndex(g.TimeIndex, f.Index) {
			return errs.E(errs.DataShapeMismatch, op, "%s index does not match the time index", name)
		}
	}
	for _, hp := range g.LoadsOfType(LoadHeatPump) {
		for _, f := range []frame.Frame{g.HeatPumps.HeatDemand, g.HeatPumps.COP} {
			col, ok := f.Column(hp.ID)
			if !ok {
				continue
			}
			for i, v := range col {
				if math.IsNaN(v) {
					return errs.E(errs.DataShapeMismatch, op, "heat pump %s: missing sample at %s", hp.ID, f.Index[i].Format(frame.Layout))
				}
			}
		}
	}
	for _, cp := range g.EV.UpperEnergy.Columns {
		upper, _ := g.EV.UpperEnergy.Column(cp)
		lower, ok := g.EV.LowerEnergy.Column(cp)
		if !ok {
			return errs.E(errs.DataShapeMismatch, op, "charging point %s: lower energy band missing", cp)
		}
		for i := range upper {
			if upper[i] < lower[i]-1e-9 {
				return errs.E(errs.DataShapeMismatch, op, "charging point %s: upper energy below lower energy at %s", cp, g.EV.UpperEnergy.Index[i].Format(frame.Layout))
			}
		}
	}
	return nil
}

func (g *Grid) String() string {
	return fmt.Sprintf("Grid[%s: %d buses, %d branches, %d loads, %d steps]", g.ID, len(g.Buses), len(g.Branches), len(g.Loads), len(g.TimeIndex))
}
