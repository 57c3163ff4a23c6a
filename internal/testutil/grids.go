// Package testutil provides grid fixtures and container helpers shared by
// package tests.
package testutil

import (
	"math"
	"time"

	"github.com/kilianp07/gridflex/core/model"
	"github.com/kilianp07/gridflex/pkg/frame"
)

// Start is the first timestamp of every fixture.
var Start = time.Date(2011, 1, 1, 0, 0, 0, 0, time.UTC)

func line(id, from, to string) model.Branch {
	return model.Branch{ID: id, Bus0: from, Bus1: to, R: 0.1, X: 0.08, SNom: 5, Kind: model.BranchLine, NumParallel: 1}
}

func bare(id string, index []time.Time, buses []model.Bus, branches []model.Branch) *model.Grid {
	return &model.Grid{
		ID:        id,
		SlackBus:  buses[0].ID,
		Buses:     buses,
		Branches:  branches,
		TimeIndex: index,
		CosPhi:    model.DefaultCosPhi(),
		TS: model.TimeSeries{
			LoadsActivePower:        frame.New(index, nil),
			LoadsReactivePower:      frame.New(index, nil),
			GeneratorsActivePower:   frame.New(index, nil),
			GeneratorsReactivePower: frame.New(index, nil),
			StorageActivePower:      frame.New(index, nil),
			StorageReactivePower:    frame.New(index, nil),
		},
		HeatPumps: model.HeatPumpProfiles{HeatDemand: frame.New(index, nil), COP: frame.New(index, nil)},
		EV: model.EVBands{
			UpperPower:  frame.New(index, nil),
			UpperEnergy: frame.New(index, nil),
			LowerEnergy: frame.New(index, nil),
		},
	}
}

// Linear3 is the feeder S -> B1 -> B2.
func Linear3() *model.Grid {
	idx := frame.HourlyIndex(Start, 1)
	return bare("linear", idx,
		[]model.Bus{{ID: "S", VNom: 20}, {ID: "B1", VNom: 20}, {ID: "B2", VNom: 20}},
		[]model.Branch{line("l1", "S", "B1"), line("l2", "B1", "B2")})
}

// YFeeder is S -> B1, B1 -> B2, B1 -> B3.
func YFeeder() *model.Grid {
	idx := frame.HourlyIndex(Start, 1)
	return bare("y", idx,
		[]model.Bus{{ID: "S", VNom: 20}, {ID: "B1", VNom: 20}, {ID: "B2", VNom: 20}, {ID: "B3", VNom: 20}},
		[]model.Branch{line("l1", "S", "B1"), line("l2", "B1", "B2"), line("l3", "B1", "B3")})
}

// SingleHeatPump is one MV line and one MV/LV transformer feeding an LV bus
// with one heat pump: COP 3, heat demand 0.01 MW, storage of 0.05 MWh at 50 %.
func SingleHeatPump(hours int) *model.Grid {
	idx := frame.HourlyIndex(Start, hours)
	g := bare("1", idx,
		[]model.Bus{{ID: "station", VNom: 20}, {ID: "mv_1", VNom: 20}, {ID: "lv_1", VNom: 0.4}},
		[]model.Branch{
			line("line_1", "station", "mv_1"),
			{ID: "trafo_1", Bus0: "mv_1", Bus1: "lv_1", R: 0.0032, X: 0.0128, SNom: 0.4, Kind: model.BranchTransformer, NumParallel: 1},
		})
	g.Loads = []model.Load{{ID: "hp_1", Bus: "lv_1", Type: model.LoadHeatPump, PSet: 0.01}}
	g.ThermalStorage = map[string]model.ThermalStorage{"hp_1": {Capacity: 0.05, Efficiency: 1, SOCInitial: 0.5}}
	demand := constant(hours, 0.01)
	cop := constant(hours, 3)
	g.HeatPumps.HeatDemand, _ = frame.FromColumns(idx, map[string][]float64{"hp_1": demand})
	g.HeatPumps.COP, _ = frame.FromColumns(idx, map[string][]float64{"hp_1": cop})
	g.TS.LoadsActivePower, _ = frame.FromColumns(idx, map[string][]float64{"hp_1": constant(hours, 0.01/3)})
	g.TS.LoadsReactivePower = g.LoadsReactivePower(g.TS.LoadsActivePower)
	return g
}

// District is a three-feeder MV grid district:
//
//	feeder 01: station - mv_1 - mv_2 =trafo= lv_1 (heat pump, home and work charging points, household)
//	feeder 02: station - mv_3 - mv_4 (public charging point, MV load, PV plant on mv_3)
//	feeder 03: station - mv_5 (conventional load only)
//
// An open switch between mv_2 and mv_4 makes feeders 01 and 02 a ring.
func District(hours int) *model.Grid {
	idx := frame.HourlyIndex(Start, hours)
	g := bare("177", idx,
		[]model.Bus{
			{ID: "station", VNom: 20},
			{ID: "mv_1", VNom: 20}, {ID: "mv_2", VNom: 20}, {ID: "lv_1", VNom: 0.4},
			{ID: "mv_3", VNom: 20}, {ID: "mv_4", VNom: 20},
			{ID: "mv_5", VNom: 20},
		},
		[]model.Branch{
			line("line_1", "station", "mv_1"),
			line("line_2", "mv_1", "mv_2"),
			{ID: "trafo_1", Bus0: "mv_2", Bus1: "lv_1", R: 0.0032, X: 0.0128, SNom: 0.63, Kind: model.BranchTransformer, NumParallel: 1},
			line("line_3", "station", "mv_3"),
			line("line_4", "mv_3", "mv_4"),
			line("line_5", "station", "mv_5"),
		})
	g.Switches = []model.Switch{{ID: "switch_1", Bus0: "mv_2", Bus1: "mv_4"}}
	g.Generators = []model.Generator{{ID: "pv_1", Bus: "mv_3", PNom: 0.5, Type: "solar"}}
	g.Loads = []model.Load{
		{ID: "load_lv_1", Bus: "lv_1", Type: model.LoadConventional, PSet: 0.05},
		{ID: "hp_1", Bus: "lv_1", Type: model.LoadHeatPump, PSet: 0.01},
		{ID: "cp_home_1", Bus: "lv_1", Type: model.LoadChargingPoint, Sector: model.SectorHome, PSet: 0.011},
		{ID: "cp_work_1", Bus: "lv_1", Type: model.LoadChargingPoint, Sector: model.SectorWork, PSet: 0.022},
		{ID: "load_mv_4", Bus: "mv_4", Type: model.LoadConventional, PSet: 0.3},
		{ID: "cp_public_1", Bus: "mv_4", Type: model.LoadChargingPoint, Sector: model.SectorPublic, PSet: 0.05},
		{ID: "load_mv_5", Bus: "mv_5", Type: model.LoadConventional, PSet: 0.2},
	}
	g.ThermalStorage = map[string]model.ThermalStorage{"hp_1": {Capacity: 0.05, Efficiency: 0.99, SOCInitial: 0.5}}
	g.WorstCase = map[string]float64{
		"mv_load_case_conventional": 1.0, "lv_load_case_conventional": 1.0,
		"mv_load_case_hp": 0.8, "lv_load_case_hp": 1.0,
		"mv_load_case_cp": 0.9, "lv_load_case_cp": 1.0,
		"mv_feed-in_case_generator": 1.0, "lv_feed-in_case_generator": 0.85,
		"feed-in_case_load": 0.15,
	}

	daily := func(base, amp float64) []float64 {
		out := make([]float64, hours)
		for i := range out {
			out[i] = base + amp*math.Sin(2*math.Pi*float64(i%24)/24)
		}
		return out
	}
	g.TS.LoadsActivePower, _ = frame.FromColumns(idx, map[string][]float64{
		"load_lv_1":   daily(0.03, 0.01),
		"hp_1":        constant(hours, 0.004),
		"cp_home_1":   constant(hours, 0.002),
		"cp_work_1":   constant(hours, 0.003),
		"load_mv_4":   daily(0.2, 0.05),
		"cp_public_1": constant(hours, 0.01),
		"load_mv_5":   daily(0.1, 0.02),
	})
	g.TS.LoadsReactivePower = g.LoadsReactivePower(g.TS.LoadsActivePower)
	pv := make([]float64, hours)
	for i := range pv {
		h := i % 24
		if h >= 6 && h <= 18 {
			pv[i] = 0.4 * math.Sin(math.Pi*float64(h-6)/12)
		}
	}
	g.TS.GeneratorsActivePower, _ = frame.FromColumns(idx, map[string][]float64{"pv_1": pv})
	g.TS.GeneratorsReactivePower, _ = frame.FromColumns(idx, map[string][]float64{"pv_1": make([]float64, hours)})

	g.HeatPumps.HeatDemand, _ = frame.FromColumns(idx, map[string][]float64{"hp_1": daily(0.01, 0.002)})
	g.HeatPumps.COP, _ = frame.FromColumns(idx, map[string][]float64{"hp_1": constant(hours, 3)})

	cps := []string{"cp_home_1", "cp_work_1", "cp_public_1"}
	upP := map[string][]float64{}
	upE := map[string][]float64{}
	loE := map[string][]float64{}
	for k, cp := range cps {
		p := []float64{0.011, 0.022, 0.05}[k]
		upP[cp] = constant(hours, p)
		upE[cp] = constant(hours, 0.06)
		lo := make([]float64, hours)
		for i := range lo {
			lo[i] = math.Min(0.0005*float64(i), 0.02)
		}
		loE[cp] = lo
	}
	g.EV.UpperPower, _ = frame.FromColumns(idx, upP)
	g.EV.UpperEnergy, _ = frame.FromColumns(idx, upE)
	g.EV.LowerEnergy, _ = frame.FromColumns(idx, loE)
	return g
}

func constant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
