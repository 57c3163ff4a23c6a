package model

import (
	"math"

	"github.com/kilianp07/gridflex/pkg/frame"
)

// CosPhi is a fixed power factor. Inductive loads draw positive reactive power.
type CosPhi struct {
	Value     float64 `yaml:"value"`
	Inductive bool    `yaml:"inductive"`
}

// TanPhi returns the reactive-to-active power ratio including its sign.
func (c CosPhi) TanPhi() float64 {
	if c.Value <= 0 || c.Value >= 1 {
		return 0
	}
	t := math.Tan(math.Acos(c.Value))
	if !c.Inductive {
		t = -t
	}
	return t
}

// CosPhiPolicy maps a component class ("mv_load", "lv_load", "heat_pump",
// "charging_point", "generator", "storage") to its fixed power factor.
type CosPhiPolicy map[string]CosPhi

// DefaultCosPhi mirrors the usual distribution grid planning defaults.
func DefaultCosPhi() CosPhiPolicy {
	return CosPhiPolicy{
		"mv_load":        {Value: 0.9, Inductive: true},
		"lv_load":        {Value: 0.95, Inductive: true},
		"heat_pump":      {Value: 1.0, Inductive: true},
		"charging_point": {Value: 1.0, Inductive: true},
		"mv_generator":   {Value: 0.9, Inductive: false},
		"lv_generator":   {Value: 0.95, Inductive: false},
		"storage":        {Value: 1.0, Inductive: true},
	}
}

func (p CosPhiPolicy) Clone() CosPhiPolicy {
	if p == nil {
		return nil
	}
	out := make(CosPhiPolicy, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func (p CosPhiPolicy) lookup(key string) CosPhi {
	if c, ok := p[key]; ok {
		return c
	}
	return DefaultCosPhi()[key]
}

// ForLoad returns the power factor of a load connected to bus.
func (p CosPhiPolicy) ForLoad(l Load, bus Bus) CosPhi {
	switch l.Type {
	case LoadHeatPump:
		return p.lookup("heat_pump")
	case LoadChargingPoint:
		return p.lookup("charging_point")
	}
	if bus.IsMV() {
		return p.lookup("mv_load")
	}
	return p.lookup("lv_load")
}

// ForGenerator returns the power factor of a generator connected to bus.
func (p CosPhiPolicy) ForGenerator(bus Bus) CosPhi {
	if bus.IsMV() {
		return p.lookup("mv_generator")
	}
	return p.lookup("lv_generator")
}

// LoadsReactivePower derives reactive power from active power for the given
// columns using the fixed power factor policy.
func (g *Grid) LoadsReactivePower(active frame.Frame) frame.Frame {
	buses := g.BusIndex()
	tan := make(map[string]float64, len(g.Loads))
	for _, l := range g.Loads {
		tan[l.ID] = g.CosPhi.ForLoad(l, buses[l.Bus]).TanPhi()
	}
	return active.Map(func(col string, _ int, v float64) float64 {
		return v * tan[col]
	})
}
