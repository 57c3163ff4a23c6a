// Package optimize drives the rolling-horizon dispatch optimisation of a
// feeder.
package optimize

import (
	"context"
	"fmt"
	"time"

	"github.com/kilianp07/gridflex/core/dnm"
	"github.com/kilianp07/gridflex/core/factory"
	"github.com/kilianp07/gridflex/core/feeder"
	"github.com/kilianp07/gridflex/pkg/frame"
)

// Objective selects the goal function of the dispatch problem.
type Objective string

const (
	MinimizeLoading     Objective = "minimize_loading"
	MaximizeGridPower   Objective = "maximize_grid_power"
	MinimizeGridPower   Objective = "minimize_grid_power"
	MaximizeEnergyLevel Objective = "maximize_energy_level"
	MinimizeEnergyLevel Objective = "minimize_energy_level"
)

// Objectives lists the accepted objective values.
var Objectives = []Objective{MinimizeLoading, MaximizeGridPower, MinimizeGridPower, MaximizeEnergyLevel, MinimizeEnergyLevel}

// Valid reports whether o is a known objective.
func (o Objective) Valid() bool {
	for _, v := range Objectives {
		if v == o {
			return true
		}
	}
	return false
}

// Result table names.
const (
	ChargingHP       = "charging_hp_el"
	ChargingTES      = "charging_tes"
	EnergyTES        = "energy_tes"
	ChargingEV       = "x_charge_ev"
	EnergyEV         = "energy_level_cp"
	ChargingBESS     = "charging_bess"
	EnergyBESS       = "energy_bess"
	SlackLineLoading = "slack_line_loading"
	SlackVPos        = "slack_v_pos"
	SlackVNeg        = "slack_v_neg"
)

// WarmStartParams are harvested at the end of each non era-last window.
var WarmStartParams = []string{ChargingHP, ChargingTES, EnergyTES, ChargingEV, EnergyEV, ChargingBESS, EnergyBESS}

// IsSlack reports whether name is one of the slack tables.
func IsSlack(name string) bool {
	return name == SlackLineLoading || name == SlackVPos || name == SlackVNeg
}

// Result holds one table per decision variable over the solve horizon.
type Result map[string]frame.Frame

// Starts carries the state of the first timestep of a window, per result
// name and component. A nil Starts leaves the initial state to the snapshot.
type Starts map[string]map[string]float64

// Value returns the start of a component, if any.
func (s Starts) Value(param, id string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	v, ok := s[param][id]
	return v, ok
}

// Harvest reads the warm-start values at row of r.
func Harvest(r Result, row int) Starts {
	out := Starts{}
	for _, p := range WarmStartParams {
		f, ok := r[p]
		if !ok || row >= f.Len() {
			continue
		}
		vals := make(map[string]float64, f.Width())
		for _, c := range f.Columns {
			vals[c] = f.Get(c, row)
		}
		out[p] = vals
	}
	return out
}

// Problem is everything that stays fixed across the windows of a feeder.
type Problem struct {
	Grid      string
	Feeder    feeder.Feeder
	DNM       *dnm.Matrix
	Objective Objective
}

// WindowSpec is what changes between two windows.
type WindowSpec struct {
	Index   []time.Time
	Starts  Starts
	EraLast bool
}

// Model is a built optimisation model. Update must be called before each
// Solve.
type Model interface {
	Update(w WindowSpec) error
	Solve(ctx context.Context) (Result, error)
}

// Solver builds models for a feeder.
type Solver interface {
	Build(p Problem) (Model, error)
}

// Solvers holds the solver implementations keyed by the `solver` setting.
var Solvers = factory.NewRegistry[Solver]()

func init() {
	if err := Solvers.Register("simplex", NewSimplex); err != nil {
		panic(fmt.Sprintf("register simplex solver: %v", err))
	}
}
