// Package feeder splits an MV grid district into radial feeders that can be
// optimised independently.
package feeder

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/traverse"

	"github.com/kilianp07/gridflex/core/errs"
	"github.com/kilianp07/gridflex/core/model"
	"github.com/kilianp07/gridflex/pkg/frame"
)

// FlexOptions selects which technologies are optimised.
type FlexOptions struct {
	HP        bool
	EV        bool
	BESS      bool
	EVSectors []model.Sector
}

// IsFlexible reports whether a load takes part in the optimisation.
func (o FlexOptions) IsFlexible(l model.Load) bool {
	switch l.Type {
	case model.LoadHeatPump:
		return o.HP
	case model.LoadChargingPoint:
		if !o.EV {
			return false
		}
		for _, s := range o.EVSectors {
			if s == l.Sector {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Feeder is a radial sub-network hanging off the HV/MV station.
type Feeder struct {
	// ID is the 1-based position in BFS order, zero padded to two digits.
	ID   string
	Grid *model.Grid
	// FlexibleLoads lists the ids of the loads to optimise.
	FlexibleLoads []string
	// FlexibleStorage lists the ids of the storage units to optimise.
	FlexibleStorage []string
	// Ring is set when an open switch links the feeder to another feeder or
	// to itself.
	Ring bool
	// Empty feeders have nothing to optimise and are skipped by the driver.
	Empty bool
}

// Result is the output of Extract.
type Result struct {
	Feeders []Feeder
	// BusFeeder maps every non-slack bus to its feeder id.
	BusFeeder map[string]string
}

// FormatID pads a 1-based feeder number to two digits.
func FormatID(n int) string { return fmt.Sprintf("%02d", n) }

// Extract partitions g into feeders. Every immediate child subtree of the
// slack bus becomes one feeder.
//
//gocyclo:ignore
func Extract(g *model.Grid, opts FlexOptions) (Result, error) {
	const op = "feeder.Extract"
	ids := make(map[string]int64, len(g.Buses))
	names := make(map[int64]string, len(g.Buses))
	ug := simple.NewUndirectedGraph()
	for i, b := range g.Buses {
		ids[b.ID] = int64(i)
		names[int64(i)] = b.ID
		ug.AddNode(simple.Node(i))
	}
	slack, ok := ids[g.SlackBus]
	if !ok {
		return Result{}, errs.E(errs.DataShapeMismatch, op, "slack bus %q unknown", g.SlackBus)
	}
	for _, br := range g.Branches {
		u, okU := ids[br.Bus0]
		v, okV := ids[br.Bus1]
		if !okU || !okV {
			return Result{}, errs.E(errs.DataShapeMismatch, op, "branch %s references an unknown bus", br.ID)
		}
		if u == v {
			return Result{}, errs.E(errs.NonRadialFeeder, op, "branch %s is a self loop at %s", br.ID, br.Bus0)
		}
		if ug.HasEdgeBetween(u, v) {
			return Result{}, errs.E(errs.NonRadialFeeder, op, "branch %s duplicates a connection %s-%s", br.ID, br.Bus0, br.Bus1)
		}
		ug.SetEdge(ug.NewEdge(simple.Node(u), simple.Node(v)))
	}

	// children of the station in branch declaration order
	var heads []string
	seenHead := map[string]bool{}
	for _, br := range g.Branches {
		if br.Bus0 != g.SlackBus && br.Bus1 != g.SlackBus {
			continue
		}
		h := br.Other(g.SlackBus)
		if !seenHead[h] {
			seenHead[h] = true
			heads = append(heads, h)
		}
	}

	busFeeder := make(map[string]string, len(g.Buses))
	var members [][]string
	for _, head := range heads {
		if _, taken := busFeeder[head]; taken {
			return Result{}, errs.E(errs.NonRadialFeeder, op, "bus %s is reachable from two station branches", head)
		}
		id := FormatID(len(members) + 1)
		var buses []string
		bfs := traverse.BreadthFirst{
			Traverse: func(e graph.Edge) bool {
				return e.From().ID() != slack && e.To().ID() != slack
			},
			Visit: func(node graph.Node) {
				buses = append(buses, names[node.ID()])
			},
		}
		bfs.Walk(ug, simple.Node(ids[head]), nil)
		for _, b := range buses {
			if other, taken := busFeeder[b]; taken {
				return Result{}, errs.E(errs.NonRadialFeeder, op, "bus %s belongs to feeders %s and %s", b, other, id)
			}
			busFeeder[b] = id
		}
		members = append(members, buses)
	}
	for _, b := range g.Buses {
		if b.ID == g.SlackBus {
			continue
		}
		if _, ok := busFeeder[b.ID]; !ok {
			return Result{}, errs.E(errs.DataShapeMismatch, op, "bus %s is not connected to the station", b.ID)
		}
	}

	res := Result{BusFeeder: busFeeder}
	for i, buses := range members {
		f, err := build(g, FormatID(i+1), buses, busFeeder, opts)
		if err != nil {
			return Result{}, err
		}
		res.Feeders = append(res.Feeders, f)
	}
	for _, sw := range g.Switches {
		a, okA := busFeeder[sw.Bus0]
		b, okB := busFeeder[sw.Bus1]
		for i := range res.Feeders {
			if (okA && res.Feeders[i].ID == a) || (okB && res.Feeders[i].ID == b) {
				res.Feeders[i].Ring = true
			}
		}
	}
	return res, nil
}

// build assembles the self-consistent snapshot of one feeder.
//
//gocyclo:ignore
func build(g *model.Grid, id string, buses []string, busFeeder map[string]string, opts FlexOptions) (Feeder, error) {
	const op = "feeder.build"
	in := make(map[string]bool, len(buses))
	for _, b := range buses {
		in[b] = true
	}
	fg := &model.Grid{
		ID:        g.ID + "-" + id,
		SlackBus:  g.SlackBus,
		TimeIndex: g.TimeIndex,
		CosPhi:    g.CosPhi.Clone(),
		WorstCase: g.WorstCase,
	}
	for _, b := range g.Buses {
		if b.ID == g.SlackBus || in[b.ID] {
			fg.Buses = append(fg.Buses, b)
		}
	}
	internal, toSlack := 0, 0
	for _, br := range g.Branches {
		switch {
		case in[br.Bus0] && in[br.Bus1]:
			internal++
		case (in[br.Bus0] && br.Bus1 == g.SlackBus) || (in[br.Bus1] && br.Bus0 == g.SlackBus):
			toSlack++
		default:
			continue
		}
		fg.Branches = append(fg.Branches, br)
	}
	if internal != len(buses)-1 || toSlack != 1 {
		return Feeder{}, errs.E(errs.NonRadialFeeder, op, "feeder %s has %d buses but %d internal and %d station branches", id, len(buses), internal, toSlack)
	}

	f := Feeder{ID: id}
	var loadIDs, genIDs, storIDs, hpIDs, cpIDs []string
	for _, l := range g.Loads {
		if !in[l.Bus] {
			continue
		}
		fg.Loads = append(fg.Loads, l)
		loadIDs = append(loadIDs, l.ID)
		switch l.Type {
		case model.LoadHeatPump:
			hpIDs = append(hpIDs, l.ID)
		case model.LoadChargingPoint:
			cpIDs = append(cpIDs, l.ID)
		}
		if opts.IsFlexible(l) {
			f.FlexibleLoads = append(f.FlexibleLoads, l.ID)
		}
	}
	for _, gen := range g.Generators {
		if in[gen.Bus] {
			fg.Generators = append(fg.Generators, gen)
			genIDs = append(genIDs, gen.ID)
		}
	}
	for _, s := range g.StorageUnits {
		if in[s.Bus] {
			fg.StorageUnits = append(fg.StorageUnits, s)
			storIDs = append(storIDs, s.ID)
			if opts.BESS {
				f.FlexibleStorage = append(f.FlexibleStorage, s.ID)
			}
		}
	}
	if len(hpIDs) > 0 && g.ThermalStorage != nil {
		fg.ThermalStorage = map[string]model.ThermalStorage{}
		for _, hp := range hpIDs {
			if tes, ok := g.ThermalStorage[hp]; ok {
				fg.ThermalStorage[hp] = tes
			}
		}
	}
	pick := func(src frame.Frame, cols []string) frame.Frame {
		if src.Len() == 0 && src.Width() == 0 {
			return frame.New(g.TimeIndex, nil)
		}
		return src.SelectColumns(cols)
	}
	fg.TS = model.TimeSeries{
		LoadsActivePower:        pick(g.TS.LoadsActivePower, loadIDs),
		LoadsReactivePower:      pick(g.TS.LoadsReactivePower, loadIDs),
		GeneratorsActivePower:   pick(g.TS.GeneratorsActivePower, genIDs),
		GeneratorsReactivePower: pick(g.TS.GeneratorsReactivePower, genIDs),
		StorageActivePower:      pick(g.TS.StorageActivePower, storIDs),
		StorageReactivePower:    pick(g.TS.StorageReactivePower, storIDs),
	}
	fg.HeatPumps = model.HeatPumpProfiles{HeatDemand: pick(g.HeatPumps.HeatDemand, hpIDs), COP: pick(g.HeatPumps.COP, hpIDs)}
	fg.EV = model.EVBands{
		UpperPower:  pick(g.EV.UpperPower, cpIDs),
		UpperEnergy: pick(g.EV.UpperEnergy, cpIDs),
		LowerEnergy: pick(g.EV.LowerEnergy, cpIDs),
	}
	sort.Strings(f.FlexibleLoads)
	f.Grid = fg
	f.Empty = len(f.FlexibleLoads) == 0 && len(f.FlexibleStorage) == 0
	return f, nil
}
