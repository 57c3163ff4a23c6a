// Package dnm builds the downstream-node matrix of a radial feeder.
//
// M[a][b] is 1 when bus a lies on the path from the slack to bus b (a bus is
// its own ancestor), 0 otherwise.
package dnm

import (
	"gonum.org/v1/gonum/mat"

	"github.com/kilianp07/gridflex/core/errs"
	"github.com/kilianp07/gridflex/core/model"
)

// Matrix is the downstream-node matrix together with the tree it was built
// from. Buses are in depth-first preorder with the slack first.
type Matrix struct {
	Buses  []string
	Index  map[string]int
	Parent map[string]string
	// Into maps every non-slack bus to the branch feeding it.
	Into map[string]model.Branch
	M    *mat.Dense
}

type adjacent struct {
	bus    string
	branch model.Branch
}

// Build traverses the feeder depth first from the slack. On entering a bus it
// is pushed on the current path; on leaving, every bus of the current path is
// marked as its ancestor.
func Build(g *model.Grid) (*Matrix, error) {
	const op = "dnm.Build"
	adj := make(map[string][]adjacent, len(g.Buses))
	for _, br := range g.Branches {
		adj[br.Bus0] = append(adj[br.Bus0], adjacent{br.Bus1, br})
		adj[br.Bus1] = append(adj[br.Bus1], adjacent{br.Bus0, br})
	}
	if _, ok := g.Bus(g.SlackBus); !ok {
		return nil, errs.E(errs.DataShapeMismatch, op, "slack bus %q unknown", g.SlackBus)
	}

	m := &Matrix{
		Index:  make(map[string]int, len(g.Buses)),
		Parent: make(map[string]string, len(g.Buses)),
		Into:   make(map[string]model.Branch, len(g.Buses)),
	}
	// ancestors are recorded by index and written once the order is known
	type mark struct{ a, b string }
	var marks []mark
	var path []string

	var visit func(bus, via string) error
	visit = func(bus, via string) error {
		m.Index[bus] = len(m.Buses)
		m.Buses = append(m.Buses, bus)
		path = append(path, bus)
		for _, n := range adj[bus] {
			if n.branch.ID == via {
				continue
			}
			if _, seen := m.Index[n.bus]; seen {
				return errs.E(errs.NonRadialFeeder, op, "branch %s closes a loop at bus %s", n.branch.ID, n.bus)
			}
			m.Parent[n.bus] = bus
			m.Into[n.bus] = n.branch
			if err := visit(n.bus, n.branch.ID); err != nil {
				return err
			}
		}
		for _, a := range path {
			marks = append(marks, mark{a, bus})
		}
		path = path[:len(path)-1]
		return nil
	}
	if err := visit(g.SlackBus, ""); err != nil {
		return nil, err
	}
	if len(m.Buses) != len(g.Buses) {
		return nil, errs.E(errs.DataShapeMismatch, op, "%d of %d buses reachable from the slack", len(m.Buses), len(g.Buses))
	}

	n := len(m.Buses)
	m.M = mat.NewDense(n, n, nil)
	for _, mk := range marks {
		m.M.Set(m.Index[mk.a], m.Index[mk.b], 1)
	}
	return m, nil
}

// Len is the number of buses.
func (m *Matrix) Len() int { return len(m.Buses) }

// At returns M[a][b].
func (m *Matrix) At(a, b string) float64 {
	i, ok := m.Index[a]
	j, ok2 := m.Index[b]
	if !ok || !ok2 {
		return 0
	}
	return m.M.At(i, j)
}

// Ancestors returns the buses on the path from the slack to b, inclusive.
func (m *Matrix) Ancestors(b string) []string {
	j, ok := m.Index[b]
	if !ok {
		return nil
	}
	var out []string
	for i, a := range m.Buses {
		if m.M.At(i, j) == 1 {
			out = append(out, a)
		}
	}
	return out
}

// Descendants returns the buses fed through a, inclusive.
func (m *Matrix) Descendants(a string) []string {
	i, ok := m.Index[a]
	if !ok {
		return nil
	}
	var out []string
	for j, b := range m.Buses {
		if m.M.At(i, j) == 1 {
			out = append(out, b)
		}
	}
	return out
}

// Sensitivity returns the LinDistFlow voltage sensitivities R and X with
//
//	R[b][d] = sum over a of M[a][b] M[a][d] r_a / V_a^2
//
// where r_a is the resistance of the branch feeding a and V_a the nominal
// voltage of a. For bus consumptions p and q in MW and Mvar the per-unit
// voltage at b is approximately 1 - (R[b] p + X[b] q).
func (m *Matrix) Sensitivity(g *model.Grid) (r, x *mat.Dense) {
	n := m.Len()
	buses := g.BusIndex()
	dr := mat.NewDiagDense(n, nil)
	dx := mat.NewDiagDense(n, nil)
	for i, b := range m.Buses {
		br, ok := m.Into[b]
		if !ok {
			continue
		}
		par := float64(br.NumParallel)
		if par < 1 {
			par = 1
		}
		v := buses[b].VNom
		dr.SetDiag(i, br.R/par/(v*v))
		dx.SetDiag(i, br.X/par/(v*v))
	}
	r = sandwich(m.M, dr)
	x = sandwich(m.M, dx)
	return r, x
}

// sandwich computes Mᵀ D M.
func sandwich(m *mat.Dense, d *mat.DiagDense) *mat.Dense {
	var dm, out mat.Dense
	dm.Mul(d, m)
	out.Mul(m.T(), &dm)
	return &out
}
