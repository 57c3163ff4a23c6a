package reinforce

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/kilianp07/gridflex/core/errs"
	"github.com/kilianp07/gridflex/core/factory"
	"github.com/kilianp07/gridflex/core/model"
	"github.com/kilianp07/gridflex/core/optimize"
)

// SweepConfig tunes the built-in engine.
type SweepConfig struct {
	MaxIterations      int     `json:"max_iterations"`
	Tolerance          float64 `json:"tolerance"`
	MaxWhileIterations int     `json:"max_while_iterations"`
	// MaxLoading is the allowed share of the thermal rating.
	MaxLoading   float64 `json:"max_loading"`
	MVVoltageMin float64 `json:"mv_v_min"`
	MVVoltageMax float64 `json:"mv_v_max"`
	LVVoltageMin float64 `json:"lv_v_min"`
	LVVoltageMax float64 `json:"lv_v_max"`
}

// SetDefaults fills zero values. Voltage bands default to the ones the
// dispatch model enforces.
func (c *SweepConfig) SetDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = 100
	}
	if c.Tolerance == 0 {
		c.Tolerance = 1e-8
	}
	if c.MaxWhileIterations == 0 {
		c.MaxWhileIterations = 20
	}
	if c.MaxLoading == 0 {
		c.MaxLoading = 1
	}
	if c.MVVoltageMin == 0 {
		c.MVVoltageMin = optimize.MVVoltageMin
	}
	if c.MVVoltageMax == 0 {
		c.MVVoltageMax = optimize.MVVoltageMax
	}
	if c.LVVoltageMin == 0 {
		c.LVVoltageMin = optimize.LVVoltageMin
	}
	if c.LVVoltageMax == 0 {
		c.LVVoltageMax = optimize.LVVoltageMax
	}
}

// Sweep reinforces radial grids using a backward/forward sweep power flow.
type Sweep struct{ cfg SweepConfig }

// NewSweep is the factory of the "sweep" engine.
func NewSweep(conf map[string]any) (Engine, error) {
	var cfg SweepConfig
	if conf != nil {
		if err := factory.Decode(conf, &cfg); err != nil {
			return nil, err
		}
	}
	cfg.SetDefaults()
	return &Sweep{cfg: cfg}, nil
}

// report aggregates one analysis over all timesteps.
type report struct {
	unconverged []time.Time
	loading     []float64 // worst share of the rating per branch
	flow        []float64 // worst apparent power per branch
	vmin, vmax  []float64
}

func (s *Sweep) analyse(ctx context.Context, n *network, g *model.Grid, index []time.Time, opts Options) (*report, error) {
	maxIter := s.cfg.MaxIterations
	if opts.IterationCap > 0 {
		maxIter = opts.IterationCap
	}
	k := len(n.buses)
	rep := &report{
		loading: make([]float64, k),
		flow:    make([]float64, k),
		vmin:    make([]float64, k),
		vmax:    make([]float64, k),
	}
	for i := range rep.vmin {
		rep.vmin[i] = math.Inf(1)
		rep.vmax[i] = math.Inf(-1)
	}
	for _, ts := range index {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, ok := g.TS.LoadsActivePower.RowOf(ts)
		if !ok {
			return nil, errs.E(errs.WindowOutOfRange, "reinforce.analyse", "timestamp %s not in snapshot", ts)
		}
		d := n.demand(g, r)
		v0 := flat(k)
		if opts.Seed == SeedLPF {
			v0 = n.lpf(d)
		}
		f, ok := n.sweep(d, v0, maxIter, s.cfg.Tolerance)
		if !ok {
			rep.unconverged = append(rep.unconverged, ts)
			continue
		}
		for i := 1; i < k; i++ {
			a := n.apparent(f, i)
			rep.flow[i] = math.Max(rep.flow[i], a)
			if rating := n.branch[i].SNom * float64(max(n.branch[i].NumParallel, 1)); rating > 0 {
				rep.loading[i] = math.Max(rep.loading[i], a/rating)
			}
		}
		for i, v := range f.v {
			m := math.Hypot(real(v), imag(v))
			rep.vmin[i] = math.Min(rep.vmin[i], m)
			rep.vmax[i] = math.Max(rep.vmax[i], m)
		}
	}
	return rep, nil
}

func (s *Sweep) band(mv bool) (float64, float64) {
	if mv {
		return s.cfg.MVVoltageMin, s.cfg.MVVoltageMax
	}
	return s.cfg.LVVoltageMin, s.cfg.LVVoltageMax
}

// Reinforce adds parallel branches until no branch is overloaded and every
// bus is within its voltage band. Overloading is resolved first; a voltage
// issue adds one parallel branch on the path to the worst bus, where the
// product of impedance and flow is largest.
func (s *Sweep) Reinforce(ctx context.Context, g *model.Grid, opts Options) (*Result, error) {
	const op = "reinforce.Sweep"
	out := g.Clone()
	index := indexOrAll(g, opts.Index)
	res := &Result{Grid: out}
	for it := 1; ; it++ {
		n, err := newNetwork(out)
		if err != nil {
			return nil, err
		}
		rep, err := s.analyse(ctx, n, out, index, opts)
		if err != nil {
			return nil, err
		}
		if len(rep.unconverged) > 0 {
			return nil, errs.Wrap(errs.PowerFlowNonConvergent, op, &errs.NonConvergence{Timestamps: rep.unconverged})
		}
		changes := s.overloading(n, rep, it)
		if len(changes) == 0 {
			if c, ok := s.voltage(n, rep, it); ok {
				changes = append(changes, c)
			}
		}
		if len(changes) == 0 {
			return res, nil
		}
		if it > s.cfg.MaxWhileIterations {
			return nil, fmt.Errorf("%s: issues remain after %d iterations", op, s.cfg.MaxWhileIterations)
		}
		apply(out, changes)
		res.Changes = append(res.Changes, changes...)
	}
}

func (s *Sweep) overloading(n *network, rep *report, it int) []Change {
	var out []Change
	for i := 1; i < len(n.buses); i++ {
		l := rep.loading[i]
		if l <= s.cfg.MaxLoading+1e-9 {
			continue
		}
		br := n.branch[i]
		before := max(br.NumParallel, 1)
		after := int(math.Ceil(float64(before) * l / s.cfg.MaxLoading))
		if after <= before {
			after = before + 1
		}
		out = append(out, Change{Iteration: it, Branch: br.ID, Kind: br.Kind, Reason: "overloading", Before: before, After: after, SNom: br.SNom})
	}
	return out
}

func (s *Sweep) voltage(n *network, rep *report, it int) (Change, bool) {
	worst, dev := -1, 1e-9
	for i := 1; i < len(n.buses); i++ {
		lo, hi := s.band(n.mv[i])
		d := math.Max(lo-rep.vmin[i], rep.vmax[i]-hi)
		if d > dev {
			worst, dev = i, d
		}
	}
	if worst < 0 {
		return Change{}, false
	}
	pick, drop := worst, -1.0
	for i := worst; i > 0; i = n.parent[i] {
		if d := cmplxAbs(n.z[i]) * rep.flow[i]; d > drop {
			pick, drop = i, d
		}
	}
	br := n.branch[pick]
	before := max(br.NumParallel, 1)
	return Change{Iteration: it, Branch: br.ID, Kind: br.Kind, Reason: "voltage", Before: before, After: before + 1, SNom: br.SNom}, true
}

func apply(g *model.Grid, changes []Change) {
	pos := make(map[string]int, len(g.Branches))
	for i, b := range g.Branches {
		pos[b.ID] = i
	}
	for _, c := range changes {
		if i, ok := pos[c.Branch]; ok {
			g.Branches[i].NumParallel = c.After
		}
	}
}

func cmplxAbs(z complex128) float64 { return math.Hypot(real(z), imag(z)) }
