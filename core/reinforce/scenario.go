package reinforce

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/kilianp07/gridflex/core/errs"
	"github.com/kilianp07/gridflex/core/model"
	"github.com/kilianp07/gridflex/pkg/frame"
)

// FeedInCaseLoad is the factor applied to every load in the feed-in case.
const FeedInCaseLoad = "feed-in_case_load"

// ScenarioShares are the expansion shares a scenario may use.
var ScenarioShares = []float64{0.2, 0.4, 0.6, 0.8, 1.0}

// WorstCaseStart is the first stamp of the worst-case index: the load case,
// followed one hour later by the feed-in case.
var WorstCaseStart = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

var defaultFactors = map[string]float64{
	"mv_load_case_conventional": 1, "lv_load_case_conventional": 1,
	"mv_load_case_hp": 1, "lv_load_case_hp": 1,
	"mv_load_case_cp": 1, "lv_load_case_cp": 1,
	"mv_feed-in_case_generator": 1, "lv_feed-in_case_generator": 1,
	FeedInCaseLoad: 0.15,
}

// LoadCaseKey is the factor key applied to l in the load case.
func LoadCaseKey(l model.Load, bus model.Bus) string {
	lvl := "lv"
	if bus.IsMV() {
		lvl = "mv"
	}
	switch l.Type {
	case model.LoadHeatPump:
		return lvl + "_load_case_hp"
	case model.LoadChargingPoint:
		return lvl + "_load_case_cp"
	default:
		return lvl + "_load_case_conventional"
	}
}

func factor(g *model.Grid, key string) float64 {
	if v, ok := g.WorstCase[key]; ok {
		return v
	}
	return defaultFactors[key]
}

// WorstCase returns a copy of g whose series are the two worst-case
// timesteps and the load-case factor applied to every load.
func WorstCase(g *model.Grid) (*model.Grid, map[string]float64) {
	index := frame.HourlyIndex(WorstCaseStart, 2)
	buses := g.BusIndex()
	used := make(map[string]float64, len(g.Loads))

	loads := frame.New(index, nil)
	for _, l := range g.Loads {
		f := factor(g, LoadCaseKey(l, buses[l.Bus]))
		used[l.ID] = f
		loads.Set(l.ID, 0, l.PSet*f)
		loads.Set(l.ID, 1, l.PSet*factor(g, FeedInCaseLoad))
	}
	gens := frame.New(index, nil)
	genQ := frame.New(index, nil)
	for _, gen := range g.Generators {
		b := buses[gen.Bus]
		lvl := "lv"
		if b.IsMV() {
			lvl = "mv"
		}
		p := gen.PNom * factor(g, lvl+"_feed-in_case_generator")
		gens.Set(gen.ID, 0, 0)
		gens.Set(gen.ID, 1, p)
		genQ.Set(gen.ID, 0, 0)
		genQ.Set(gen.ID, 1, p*g.CosPhi.ForGenerator(b).TanPhi())
	}

	out := g.Clone()
	out.TimeIndex = index
	out.TS = model.TimeSeries{
		LoadsActivePower:        loads,
		LoadsReactivePower:      out.LoadsReactivePower(loads),
		GeneratorsActivePower:   gens,
		GeneratorsReactivePower: genQ,
		StorageActivePower:      frame.New(index, nil),
		StorageReactivePower:    frame.New(index, nil),
	}
	out.HeatPumps = model.HeatPumpProfiles{HeatDemand: frame.New(index, nil), COP: frame.New(index, nil)}
	out.EV = model.EVBands{UpperPower: frame.New(index, nil), UpperEnergy: frame.New(index, nil), LowerEnergy: frame.New(index, nil)}
	return out, used
}

// ScenarioResult is the outcome of an expansion scenario.
type ScenarioResult struct {
	Share float64
	// Grid has the reinforced equipment and the original series and factors.
	Grid    *model.Grid
	Changes []Change
	// Factors is the load-case factor applied to each load.
	Factors map[string]float64
}

// ScenarioDir names the result directory of a share, e.g. "40_pct_reinforced".
func ScenarioDir(share float64) string {
	return fmt.Sprintf("%d_pct_reinforced", int(math.Round(share*100)))
}

func validShare(share float64) bool {
	for _, s := range ScenarioShares {
		if math.Abs(s-share) < 1e-9 {
			return true
		}
	}
	return false
}

// Scenario reinforces g for an expansion share of heat pumps and charging
// points. Only their load-case factors are overridden; the returned grid
// keeps the series and factors of g.
func (r *Reinforcer) Scenario(ctx context.Context, g *model.Grid, share float64) (*ScenarioResult, error) {
	if !validShare(share) {
		return nil, errs.E(errs.ConfigInvalid, "reinforce.Scenario", "share %g not in %v", share, ScenarioShares)
	}
	tmp := g.Clone()
	if tmp.WorstCase == nil {
		tmp.WorstCase = map[string]float64{}
	}
	for _, lvl := range []string{"mv", "lv"} {
		for _, t := range []string{"hp", "cp"} {
			tmp.WorstCase[lvl+"_load_case_"+t] = share
		}
	}
	worst, used := WorstCase(tmp)
	res, err := r.Run(ctx, worst, worst.TimeIndex)
	if err != nil {
		return nil, err
	}
	return &ScenarioResult{
		Share:   share,
		Grid:    WithBranches(g, res.Grid.Branches),
		Changes: res.Changes,
		Factors: used,
	}, nil
}
