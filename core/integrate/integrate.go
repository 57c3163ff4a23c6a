// Package integrate writes optimised dispatch back into a grid snapshot.
package integrate

import (
	"path/filepath"
	"sort"

	"github.com/kilianp07/gridflex/core/concat"
	"github.com/kilianp07/gridflex/core/errs"
	"github.com/kilianp07/gridflex/core/model"
	"github.com/kilianp07/gridflex/core/optimize"
	"github.com/kilianp07/gridflex/core/timeframe"
	"github.com/kilianp07/gridflex/pkg/frame"
)

// Options selects the technologies whose dispatch is integrated.
type Options struct {
	HP   bool
	EV   bool
	BESS bool
}

// Params lists the concatenated tables read for opts, in a fixed order.
func (o Options) Params() []string {
	var out []string
	if o.HP {
		out = append(out, optimize.ChargingHP)
	}
	if o.EV {
		out = append(out, optimize.ChargingEV)
	}
	if o.BESS {
		out = append(out, optimize.ChargingBESS)
	}
	return out
}

// Load reads the concatenated tables of grid from dir.
func Load(dir, grid string, opts Options) (map[string]frame.Frame, error) {
	out := map[string]frame.Frame{}
	for _, p := range opts.Params() {
		f, err := frame.ReadFile(filepath.Join(dir, concat.FileName(concat.Key{Grid: grid, Param: p})))
		if err != nil {
			return nil, err
		}
		out[p] = f
	}
	return out, nil
}

// Apply returns a new snapshot in which the optimised loads carry their
// dispatch. The input grid is not modified.
//
// Loads found in a heat pump or charging point table are flagged opt and all
// others are not; the time index shrinks to the one of the tables; the
// active power of the optimised loads is replaced and their reactive power
// recomputed with the fixed power factor policy.
//
//gocyclo:ignore
func Apply(g *model.Grid, tables map[string]frame.Frame) (*model.Grid, error) {
	const op = "integrate.Apply"
	if len(tables) == 0 {
		return nil, errs.E(errs.IOMissing, op, "no optimised tables")
	}
	names := make([]string, 0, len(tables))
	for n := range tables {
		names = append(names, n)
	}
	sort.Strings(names)
	index := tables[names[0]].Index
	for _, n := range names[1:] {
		if !frame.ContainsIndex(index, tables[n].Index) || len(index) != tables[n].Len() {
			return nil, errs.E(errs.DataShapeMismatch, op, "%s and %s cover different time ranges", names[0], n)
		}
	}

	out, err := timeframe.Select(g, index)
	if err != nil {
		return nil, err
	}

	var loadTables, storageTables []frame.Frame
	optimised := map[string]bool{}
	for _, n := range names {
		t, err := tables[n].Select(index)
		if err != nil {
			return nil, err
		}
		switch n {
		case optimize.ChargingBESS:
			for _, c := range t.Columns {
				if !hasStorage(out, c) {
					return nil, errs.E(errs.DataShapeMismatch, op, "%s: unknown storage unit %s", n, c)
				}
			}
			// storage series count discharge as positive
			storageTables = append(storageTables, t.Scale(-1))
		default:
			for _, c := range t.Columns {
				if _, ok := out.Load(c); !ok {
					return nil, errs.E(errs.DataShapeMismatch, op, "%s: unknown load %s", n, c)
				}
				optimised[c] = true
			}
			loadTables = append(loadTables, t)
		}
	}

	for i := range out.Loads {
		out.Loads[i].Opt = optimised[out.Loads[i].ID]
	}

	if len(loadTables) > 0 {
		ids := keys(optimised)
		newActive, err := frame.JoinColumns(loadTables...)
		if err != nil {
			return nil, err
		}
		active, err := frame.JoinColumns(out.TS.LoadsActivePower.DropColumns(ids...), newActive)
		if err != nil {
			return nil, err
		}
		out.TS.LoadsActivePower = active
		reactive, err := frame.JoinColumns(
			reactiveBase(out).DropColumns(ids...),
			out.LoadsReactivePower(newActive),
		)
		if err != nil {
			return nil, err
		}
		out.TS.LoadsReactivePower = reactive
	}
	if len(storageTables) > 0 {
		st, err := frame.JoinColumns(storageTables...)
		if err != nil {
			return nil, err
		}
		active, err := frame.JoinColumns(out.TS.StorageActivePower.DropColumns(st.Columns...), st)
		if err != nil {
			return nil, err
		}
		out.TS.StorageActivePower = active
	}
	return out, nil
}

// Run loads the tables of grid from dir and applies them to g.
func Run(g *model.Grid, dir, grid string, opts Options) (*model.Grid, error) {
	tables, err := Load(dir, grid, opts)
	if err != nil {
		return nil, err
	}
	return Apply(g, tables)
}

func reactiveBase(g *model.Grid) frame.Frame {
	if g.TS.LoadsReactivePower.Len() == 0 {
		return frame.New(g.TimeIndex, nil)
	}
	return g.TS.LoadsReactivePower
}

func hasStorage(g *model.Grid, id string) bool {
	for _, s := range g.StorageUnits {
		if s.ID == id {
			return true
		}
	}
	return false
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
