package optimize

import (
	"context"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/kilianp07/gridflex/core/errs"
	"github.com/kilianp07/gridflex/core/factory"
	"github.com/kilianp07/gridflex/core/model"
	"github.com/kilianp07/gridflex/pkg/frame"
)

// Voltage bands in per unit and the loading factor of ring feeders.
const (
	MVVoltageMin      = 0.985
	MVVoltageMax      = 1.05
	LVVoltageMin      = 0.9
	LVVoltageMax      = 1.1
	RingLoadingFactor = 0.5
)

// SimplexConfig tunes the built-in linear dispatch model.
type SimplexConfig struct {
	// Tolerance is handed to lp.Simplex.
	Tolerance float64 `json:"tolerance"`
	// Penalty is the cost of one unit of line or voltage slack.
	Penalty float64 `json:"penalty"`
	// EVEfficiency is the charging efficiency of charging points.
	EVEfficiency float64 `json:"ev_efficiency"`
}

// SetDefaults fills zero values.
func (c *SimplexConfig) SetDefaults() {
	if c.Tolerance == 0 {
		c.Tolerance = 1e-7
	}
	if c.Penalty == 0 {
		c.Penalty = 1e3
	}
	if c.EVEfficiency == 0 {
		c.EVEfficiency = 0.9
	}
}

type simplexSolver struct{ cfg SimplexConfig }

// NewSimplex is the factory of the "simplex" solver: a linearised DistFlow
// dispatch model solved with gonum's simplex implementation.
func NewSimplex(conf map[string]any) (Solver, error) {
	var cfg SimplexConfig
	if conf != nil {
		if err := factory.Decode(conf, &cfg); err != nil {
			return nil, err
		}
	}
	cfg.SetDefaults()
	return &simplexSolver{cfg: cfg}, nil
}

type device struct {
	id  string
	bus int
	tan float64
}

type hpUnit struct {
	device
	pSet   float64
	tes    model.ThermalStorage
	hasTES bool
}

type bessUnit struct {
	device
	unit model.StorageUnit
}

type branchLimit struct {
	branch model.Branch
	bus    int
	sNom   float64
	factor float64
}

type simplexModel struct {
	cfg      SimplexConfig
	obj      Objective
	g        *model.Grid
	m        *mat.Dense
	busIDs   []string
	busMV    []bool
	sensR    *mat.Dense
	sensX    *mat.Dense
	hps      []hpUnit
	evs      []device
	bess     []bessUnit
	branches []branchLimit
	flexible map[string]bool
	busOf    map[string]int

	win  WindowSpec
	rows []int
	// busy holds the one solve a model may run. A solve abandoned on timeout
	// keeps it until the simplex returns, so at most one goroutine per feeder
	// outlives its deadline and the next window waits for it.
	busy chan struct{}
}

// Build materialises the window-invariant part of the model.
//
//gocyclo:ignore
func (s *simplexSolver) Build(p Problem) (Model, error) {
	const op = "simplex.Build"
	if p.DNM == nil || p.Feeder.Grid == nil {
		return nil, errs.E(errs.DataShapeMismatch, op, "feeder or downstream-node matrix missing")
	}
	if !p.Objective.Valid() {
		return nil, errs.E(errs.ConfigInvalid, op, "unknown objective %q", p.Objective)
	}
	g := p.Feeder.Grid
	buses := g.BusIndex()
	sm := &simplexModel{
		cfg:      s.cfg,
		obj:      p.Objective,
		g:        g,
		m:        p.DNM.M,
		busIDs:   p.DNM.Buses,
		flexible: map[string]bool{},
		busOf:    p.DNM.Index,
		busy:     make(chan struct{}, 1),
	}
	sm.sensR, sm.sensX = p.DNM.Sensitivity(g)
	for _, b := range p.DNM.Buses {
		sm.busMV = append(sm.busMV, buses[b].IsMV())
	}
	for _, id := range p.Feeder.FlexibleLoads {
		l, ok := g.Load(id)
		if !ok {
			return nil, errs.E(errs.DataShapeMismatch, op, "flexible load %s not in feeder %s", id, g.ID)
		}
		sm.flexible[id] = true
		dev := device{id: id, bus: p.DNM.Index[l.Bus], tan: g.CosPhi.ForLoad(l, buses[l.Bus]).TanPhi()}
		switch l.Type {
		case model.LoadHeatPump:
			tes, ok := g.ThermalStorage[id]
			sm.hps = append(sm.hps, hpUnit{device: dev, pSet: l.PSet, tes: tes, hasTES: ok && tes.Capacity > 0})
		case model.LoadChargingPoint:
			sm.evs = append(sm.evs, dev)
		}
	}
	for _, id := range p.Feeder.FlexibleStorage {
		for _, su := range g.StorageUnits {
			if su.ID == id {
				sm.flexible[id] = true
				sm.bess = append(sm.bess, bessUnit{device: device{id: id, bus: p.DNM.Index[su.Bus]}, unit: su})
			}
		}
	}
	for _, b := range p.DNM.Buses {
		br, ok := p.DNM.Into[b]
		if !ok {
			continue
		}
		par := float64(br.NumParallel)
		if par < 1 {
			par = 1
		}
		factor := 1.0
		if p.Feeder.Ring && br.Kind == model.BranchLine && buses[br.Bus0].IsMV() && buses[br.Bus1].IsMV() {
			factor = RingLoadingFactor
		}
		sm.branches = append(sm.branches, branchLimit{branch: br, bus: p.DNM.Index[b], sNom: br.SNom * par, factor: factor})
	}
	return sm, nil
}

// Update moves the model to a new window.
func (m *simplexModel) Update(w WindowSpec) error {
	rows := make([]int, len(w.Index))
	ref := frame.New(m.g.TimeIndex, nil)
	for i, ts := range w.Index {
		r, ok := ref.RowOf(ts)
		if !ok {
			return errs.E(errs.WindowOutOfRange, "simplex.Update", "%s not in feeder %s", ts.Format(frame.Layout), m.g.ID)
		}
		rows[i] = r
	}
	m.win = w
	m.rows = rows
	return nil
}

// Solve formulates the current window and runs the simplex. The solve runs
// in its own goroutine so that the context deadline is honoured; it is not
// interruptible and finishes in the background after a timeout.
func (m *simplexModel) Solve(ctx context.Context) (Result, error) {
	const op = "simplex.Solve"
	if len(m.rows) == 0 {
		return nil, errs.E(errs.WindowOutOfRange, op, "no window set")
	}
	prog, decode, err := m.formulate()
	if err != nil {
		return nil, err
	}
	type outcome struct {
		x   []float64
		err error
	}
	select {
	case m.busy <- struct{}{}:
	case <-ctx.Done():
		return nil, errs.Wrap(errs.SolverTimeout, op, ctx.Err())
	}
	done := make(chan outcome, 1)
	tol := m.cfg.Tolerance
	go func() {
		defer func() { <-m.busy }()
		x, err := prog.solve(tol)
		done <- outcome{x, err}
	}()
	select {
	case <-ctx.Done():
		return nil, errs.Wrap(errs.SolverTimeout, op, ctx.Err())
	case out := <-done:
		if out.err != nil {
			return nil, errs.Wrap(errs.SolverInfeasible, op, out.err)
		}
		return decode(out.x), nil
	}
}

func at(f frame.Frame, col string, row int) float64 {
	v := f.Get(col, row)
	if math.IsNaN(v) {
		return 0
	}
	return v
}

func clamp(v, lo, hi float64) float64 { return math.Max(lo, math.Min(hi, v)) }

// base returns the net consumption of the inflexible components per bus.
func (m *simplexModel) base(row int) (p, q []float64) {
	n := len(m.busIDs)
	p = make([]float64, n)
	q = make([]float64, n)
	ts := m.g.TS
	for _, l := range m.g.Loads {
		if m.flexible[l.ID] {
			continue
		}
		b := m.busOf[l.Bus]
		p[b] += at(ts.LoadsActivePower, l.ID, row)
		q[b] += at(ts.LoadsReactivePower, l.ID, row)
	}
	for _, gen := range m.g.Generators {
		b := m.busOf[gen.Bus]
		p[b] -= at(ts.GeneratorsActivePower, gen.ID, row)
		q[b] -= at(ts.GeneratorsReactivePower, gen.ID, row)
	}
	for _, su := range m.g.StorageUnits {
		if m.flexible[su.ID] {
			continue
		}
		b := m.busOf[su.Bus]
		p[b] -= at(ts.StorageActivePower, su.ID, row)
		q[b] -= at(ts.StorageReactivePower, su.ID, row)
	}
	return p, q
}

type flexVar struct {
	device
	v int
}

// formulate writes the linear program of the current window and returns a
// decoder for its solution.
//
//gocyclo:ignore
func (m *simplexModel) formulate() (*program, func([]float64) Result, error) {
	const op = "simplex.formulate"
	T := len(m.rows)
	w := m.win
	prog := &program{}
	flex := make([][]flexVar, T)

	sign := 0.0
	switch m.obj {
	case MinimizeGridPower:
		sign = 1
	case MaximizeGridPower:
		sign = -1
	}
	level := 0.0
	switch m.obj {
	case MinimizeEnergyLevel:
		level = 1
	case MaximizeEnergyLevel:
		level = -1
	}

	hpP := make([][]int, len(m.hps))
	hpE := make([][]int, len(m.hps))
	for h, hp := range m.hps {
		hpP[h] = make([]int, T)
		hpE[h] = make([]int, T)
		for t, row := range m.rows {
			cop := m.g.HeatPumps.COP.Get(hp.id, row)
			demand := m.g.HeatPumps.HeatDemand.Get(hp.id, row)
			if math.IsNaN(cop) || math.IsNaN(demand) || cop <= 0 {
				return nil, nil, errs.E(errs.DataShapeMismatch, op, "heat pump %s: no COP or demand at %s", hp.id, w.Index[t].Format(frame.Layout))
			}
			p := prog.variable(0, hp.pSet, sign)
			hpP[h][t] = p
			flex[t] = append(flex[t], flexVar{hp.device, p})
			if !hp.hasTES {
				prog.fix(p, demand/cop)
				hpE[h][t] = -1
				continue
			}
			e := prog.variable(0, hp.tes.Capacity, level)
			hpE[h][t] = e
			eff := hp.tes.Efficiency
			if eff == 0 {
				eff = 1
			}
			switch {
			case t > 0:
				// e[t] = eff e[t-1] + cop p[t] - demand
				prog.constrain(eq, -demand, term{e, 1}, term{hpE[h][t-1], -eff}, term{p, -cop})
			default:
				if s, ok := w.Starts.Value(EnergyTES, hp.id); ok {
					prog.fix(e, clamp(s, 0, hp.tes.Capacity))
					if sp, ok := w.Starts.Value(ChargingHP, hp.id); ok {
						prog.fix(p, clamp(sp, 0, hp.pSet))
					}
					continue
				}
				prog.constrain(eq, eff*hp.tes.SOCInitial*hp.tes.Capacity-demand, term{e, 1}, term{p, -cop})
			}
		}
		if w.EraLast && hp.hasTES {
			prog.fix(hpE[h][T-1], 0.5*hp.tes.Capacity)
		}
	}

	evX := make([][]int, len(m.evs))
	evE := make([][]int, len(m.evs))
	eta := m.cfg.EVEfficiency
	for c, ev := range m.evs {
		evX[c] = make([]int, T)
		evE[c] = make([]int, T)
		for t, row := range m.rows {
			upP := at(m.g.EV.UpperPower, ev.id, row)
			lo := at(m.g.EV.LowerEnergy, ev.id, row)
			up := at(m.g.EV.UpperEnergy, ev.id, row)
			x := prog.variable(0, upP, sign)
			e := prog.variable(lo, up, level)
			evX[c][t], evE[c][t] = x, e
			flex[t] = append(flex[t], flexVar{ev, x})
			if t > 0 {
				prog.constrain(eq, 0, term{e, 1}, term{evE[c][t-1], -1}, term{x, -eta})
				continue
			}
			if s, ok := w.Starts.Value(EnergyEV, ev.id); ok {
				prog.fix(e, clamp(s, lo, up))
				if sx, ok := w.Starts.Value(ChargingEV, ev.id); ok {
					prog.fix(x, clamp(sx, 0, upP))
				}
				continue
			}
			prog.constrain(eq, (lo+up)/2, term{e, 1}, term{x, -eta})
		}
	}

	bsC := make([][]int, len(m.bess))
	bsE := make([][]int, len(m.bess))
	for k, bs := range m.bess {
		bsC[k] = make([]int, T)
		bsE[k] = make([]int, T)
		su := bs.unit
		eff := su.Efficiency
		if eff == 0 {
			eff = 1
		}
		for t := range m.rows {
			c := prog.variable(-su.PNom, su.PNom, sign)
			e := prog.variable(0, su.Capacity, level)
			bsC[k][t], bsE[k][t] = c, e
			flex[t] = append(flex[t], flexVar{bs.device, c})
			if t > 0 {
				prog.constrain(eq, 0, term{e, 1}, term{bsE[k][t-1], -eff}, term{c, -1})
				continue
			}
			if s, ok := w.Starts.Value(EnergyBESS, su.ID); ok {
				prog.fix(e, clamp(s, 0, su.Capacity))
				if sc, ok := w.Starts.Value(ChargingBESS, su.ID); ok {
					prog.fix(c, clamp(sc, -su.PNom, su.PNom))
				}
				continue
			}
			prog.constrain(eq, eff*su.SOCInitial*su.Capacity, term{e, 1}, term{c, -1})
		}
		if w.EraLast {
			prog.fix(bsE[k][T-1], 0.5*su.Capacity)
		}
	}

	lineSlack := map[int][]int{}
	vPos := map[int][]int{}
	vNeg := map[int][]int{}
	penalty := m.cfg.Penalty
	for t, row := range m.rows {
		pb, qb := m.base(row)
		for _, br := range m.branches {
			var terms []term
			lo, hi := 0.0, 0.0
			for _, fv := range flex[t] {
				if m.m.At(br.bus, fv.bus) == 1 {
					terms = append(terms, term{fv.v, 1})
					lo += prog.lb[fv.v]
					hi += prog.ub[fv.v]
				}
			}
			if len(terms) == 0 || br.sNom <= 0 {
				continue
			}
			base := 0.0
			for j := range pb {
				base += m.m.At(br.bus, j) * pb[j]
			}
			limit := br.factor * br.sNom
			if base+hi > limit || base+lo < -limit {
				s := slackVar(prog, lineSlack, br.bus, t, T, penalty)
				if base+hi > limit {
					prog.constrain(le, limit-base, append(clone(terms), term{s, -br.sNom})...)
				}
				if base+lo < -limit {
					prog.constrain(le, limit+base, append(scale(terms, -1), term{s, -br.sNom})...)
				}
			}
			if m.obj == MinimizeLoading {
				u := prog.variable(0, math.Inf(1), 1)
				prog.constrain(le, -base/br.sNom, append(scale(terms, 1/br.sNom), term{u, -1})...)
				if base+lo < 0 {
					prog.constrain(le, base/br.sNom, append(scale(terms, -1/br.sNom), term{u, -1})...)
				}
			}
		}
		for b := range m.busIDs {
			var terms []term
			drop, rise := 0.0, 0.0
			for _, fv := range flex[t] {
				k := m.sensR.At(b, fv.bus) + m.sensX.At(b, fv.bus)*fv.tan
				if k == 0 {
					continue
				}
				terms = append(terms, term{fv.v, -k})
				drop += k * prog.ub[fv.v]
				rise += k * prog.lb[fv.v]
			}
			if len(terms) == 0 {
				continue
			}
			vBase := 1.0
			for d := range pb {
				vBase -= m.sensR.At(b, d)*pb[d] + m.sensX.At(b, d)*qb[d]
			}
			vMin, vMax := LVVoltageMin, LVVoltageMax
			if m.busMV[b] {
				vMin, vMax = MVVoltageMin, MVVoltageMax
			}
			if vBase-drop < vMin {
				s := slackVar(prog, vNeg, b, t, T, penalty)
				prog.constrain(ge, vMin-vBase, append(clone(terms), term{s, 1})...)
			}
			if vBase-rise > vMax {
				s := slackVar(prog, vPos, b, t, T, penalty)
				prog.constrain(le, vMax-vBase, append(clone(terms), term{s, -1})...)
			}
		}
	}

	decode := func(x []float64) Result {
		res := Result{}
		put := func(name, id string, vars []int, fn func(t int, v float64) float64) {
			f, ok := res[name]
			if !ok {
				f = frame.New(w.Index, nil)
			}
			for t, v := range vars {
				val := 0.0
				if v >= 0 {
					val = x[v]
				}
				if fn != nil {
					val = fn(t, val)
				}
				f.Set(id, t, val)
			}
			res[name] = f
		}
		for h, hp := range m.hps {
			put(ChargingHP, hp.id, hpP[h], nil)
			put(ChargingTES, hp.id, hpP[h], func(t int, p float64) float64 {
				row := m.rows[t]
				return m.g.HeatPumps.COP.Get(hp.id, row)*p - m.g.HeatPumps.HeatDemand.Get(hp.id, row)
			})
			if hp.hasTES {
				put(EnergyTES, hp.id, hpE[h], nil)
			}
		}
		for c, ev := range m.evs {
			put(ChargingEV, ev.id, evX[c], nil)
			put(EnergyEV, ev.id, evE[c], nil)
		}
		for k, bs := range m.bess {
			put(ChargingBESS, bs.id, bsC[k], nil)
			put(EnergyBESS, bs.id, bsE[k], nil)
		}
		for _, br := range m.branches {
			if vars, ok := lineSlack[br.bus]; ok {
				put(SlackLineLoading, br.branch.ID, vars, nil)
			}
		}
		for b, id := range m.busIDs {
			if vars, ok := vPos[b]; ok {
				put(SlackVPos, id, vars, nil)
			}
			if vars, ok := vNeg[b]; ok {
				put(SlackVNeg, id, vars, nil)
			}
		}
		return res
	}
	return prog, decode, nil
}

// slackVar returns the slack of key at t, creating it on first use. Slots
// without a slack decode as zero.
func slackVar(p *program, slacks map[int][]int, key, t, T int, cost float64) int {
	vars, ok := slacks[key]
	if !ok {
		vars = make([]int, T)
		for i := range vars {
			vars[i] = -1
		}
		slacks[key] = vars
	}
	if vars[t] < 0 {
		vars[t] = p.variable(0, math.Inf(1), cost)
	}
	return vars[t]
}

func clone(ts []term) []term { return append([]term(nil), ts...) }

func scale(ts []term, f float64) []term {
	out := make([]term, len(ts))
	for i, t := range ts {
		out[i] = term{t.v, t.coef * f}
	}
	return out
}

// solveContext bounds a single window solve; zero disables the bound.
func solveContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
