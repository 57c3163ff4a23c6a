package reinforce

import (
	"math"
	"math/cmplx"

	"github.com/kilianp07/gridflex/core/dnm"
	"github.com/kilianp07/gridflex/core/model"
	"github.com/kilianp07/gridflex/pkg/frame"
)

// network is the radial grid in depth-first preorder: every parent precedes
// its children and the slack is bus 0. Impedances are per unit on 1 MVA.
type network struct {
	buses  []string
	pos    map[string]int
	mv     []bool
	parent []int
	branch []model.Branch
	z      []complex128
}

func newNetwork(g *model.Grid) (*network, error) {
	m, err := dnm.Build(g)
	if err != nil {
		return nil, err
	}
	idx := g.BusIndex()
	n := &network{
		buses:  m.Buses,
		pos:    m.Index,
		mv:     make([]bool, m.Len()),
		parent: make([]int, m.Len()),
		branch: make([]model.Branch, m.Len()),
		z:      make([]complex128, m.Len()),
	}
	for i, b := range m.Buses {
		n.mv[i] = idx[b].IsMV()
		n.parent[i] = -1
		br, ok := m.Into[b]
		if !ok {
			continue
		}
		n.parent[i] = m.Index[m.Parent[b]]
		n.branch[i] = br
		par := float64(br.NumParallel)
		if par < 1 {
			par = 1
		}
		v := idx[br.Bus1].VNom
		n.z[i] = complex(br.R, br.X) / complex(par*v*v, 0)
	}
	return n, nil
}

// demand returns the net complex consumption per bus in MVA at row r.
func (n *network) demand(g *model.Grid, r int) []complex128 {
	pos := n.pos
	s := make([]complex128, len(n.buses))
	for _, l := range g.Loads {
		s[pos[l.Bus]] += complex(cell(g.TS.LoadsActivePower, l.ID, r), cell(g.TS.LoadsReactivePower, l.ID, r))
	}
	for _, gen := range g.Generators {
		s[pos[gen.Bus]] -= complex(cell(g.TS.GeneratorsActivePower, gen.ID, r), cell(g.TS.GeneratorsReactivePower, gen.ID, r))
	}
	for _, st := range g.StorageUnits {
		s[pos[st.Bus]] -= complex(cell(g.TS.StorageActivePower, st.ID, r), cell(g.TS.StorageReactivePower, st.ID, r))
	}
	return s
}

func cell(f frame.Frame, col string, r int) float64 {
	if f.Len() <= r {
		return 0
	}
	v := f.Get(col, r)
	if math.IsNaN(v) {
		return 0
	}
	return v
}

// lpf is the linear DistFlow voltage profile for demand s.
func (n *network) lpf(s []complex128) []complex128 {
	down := append([]complex128(nil), s...)
	for i := len(down) - 1; i > 0; i-- {
		down[n.parent[i]] += down[i]
	}
	v := make([]complex128, len(s))
	v[0] = 1
	for i := 1; i < len(s); i++ {
		drop := real(n.z[i])*real(down[i]) + imag(n.z[i])*imag(down[i])
		v[i] = v[n.parent[i]] - complex(drop, 0)
	}
	return v
}

// flow is one power flow solution. Current j[i] flows through the branch
// feeding bus i.
type flow struct {
	v []complex128
	j []complex128
}

// sweep runs the backward/forward sweep from v0. It reports false when the
// voltage update does not fall below tol within maxIter iterations or the
// voltage collapses.
func (n *network) sweep(s, v0 []complex128, maxIter int, tol float64) (flow, bool) {
	v := append([]complex128(nil), v0...)
	j := make([]complex128, len(v))
	for it := 0; it < maxIter; it++ {
		for i := range j {
			j[i] = 0
		}
		for i := len(v) - 1; i >= 0; i-- {
			j[i] += cmplx.Conj(s[i] / v[i])
			if p := n.parent[i]; p >= 0 {
				j[p] += j[i]
			}
		}
		var delta float64
		for i := 1; i < len(v); i++ {
			next := v[n.parent[i]] - n.z[i]*j[i]
			if cmplx.IsNaN(next) || cmplx.Abs(next) < 0.5 {
				return flow{}, false
			}
			delta = math.Max(delta, cmplx.Abs(next-v[i]))
			v[i] = next
		}
		if delta < tol {
			return flow{v: v, j: j}, true
		}
	}
	return flow{}, false
}

// apparent is the apparent power through the branch feeding bus i in MVA.
func (n *network) apparent(f flow, i int) float64 {
	return cmplx.Abs(f.v[n.parent[i]] * cmplx.Conj(f.j[i]))
}

func flat(n int) []complex128 {
	v := make([]complex128, n)
	for i := range v {
		v[i] = 1
	}
	return v
}
