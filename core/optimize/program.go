package optimize

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

type sense int

const (
	le sense = iota
	ge
	eq
)

type term struct {
	v    int
	coef float64
}

type row struct {
	terms []term
	sense sense
	rhs   float64
}

// program is a linear program over bounded variables. It is shifted into the
// standard form accepted by lp.Simplex: every variable becomes x - lb >= 0
// and every inequality gets its own slack column.
type program struct {
	lb, ub, cost []float64
	rows         []row
}

func (p *program) variable(lb, ub, cost float64) int {
	p.lb = append(p.lb, lb)
	p.ub = append(p.ub, ub)
	p.cost = append(p.cost, cost)
	return len(p.lb) - 1
}

// fix narrows a variable to a single value.
func (p *program) fix(v int, value float64) {
	p.lb[v], p.ub[v] = value, value
}

func (p *program) constrain(s sense, rhs float64, terms ...term) {
	p.rows = append(p.rows, row{terms: terms, sense: s, rhs: rhs})
}

var errBounds = errors.New("lp: variable bounds cross")

// solve returns the optimal value of every variable.
//
//gocyclo:ignore
func (p *program) solve(tol float64) ([]float64, error) {
	n := len(p.lb)
	used := make([]bool, n)
	for _, r := range p.rows {
		for _, t := range r.terms {
			if t.coef != 0 {
				used[t.v] = true
			}
		}
	}
	for v := 0; v < n; v++ {
		if p.ub[v] < p.lb[v]-1e-12 {
			return nil, errBounds
		}
		if !math.IsInf(p.ub[v], 1) {
			used[v] = true
		}
	}
	x := make([]float64, n)
	col := make([]int, n)
	cols := 0
	for v := 0; v < n; v++ {
		x[v] = p.lb[v]
		col[v] = -1
		if used[v] {
			col[v] = cols
			cols++
			continue
		}
		if p.cost[v] < 0 {
			return nil, lp.ErrUnbounded
		}
	}

	type stdRow struct {
		idx   []int
		val   []float64
		slack float64
		rhs   float64
	}
	var rows []stdRow
	for _, r := range p.rows {
		sr := stdRow{rhs: r.rhs}
		for _, t := range r.terms {
			if t.coef == 0 {
				continue
			}
			sr.idx = append(sr.idx, col[t.v])
			sr.val = append(sr.val, t.coef)
			sr.rhs -= t.coef * p.lb[t.v]
		}
		switch r.sense {
		case le:
			sr.slack = 1
		case ge:
			sr.slack = -1
		}
		if len(sr.idx) == 0 {
			if (r.sense == le && sr.rhs < -tol) || (r.sense == ge && sr.rhs > tol) || (r.sense == eq && math.Abs(sr.rhs) > tol) {
				return nil, lp.ErrInfeasible
			}
			continue
		}
		rows = append(rows, sr)
	}
	for v := 0; v < n; v++ {
		if col[v] >= 0 && !math.IsInf(p.ub[v], 1) {
			rows = append(rows, stdRow{idx: []int{col[v]}, val: []float64{1}, slack: 1, rhs: math.Max(p.ub[v]-p.lb[v], 0)})
		}
	}
	if len(rows) == 0 {
		return x, nil
	}

	slacks := 0
	for _, r := range rows {
		if r.slack != 0 {
			slacks++
		}
	}
	m := len(rows)
	a := mat.NewDense(m, cols+slacks, nil)
	b := make([]float64, m)
	s := cols
	for i, r := range rows {
		for k, j := range r.idx {
			a.Set(i, j, a.At(i, j)+r.val[k])
		}
		if r.slack != 0 {
			a.Set(i, s, r.slack)
			s++
		}
		b[i] = r.rhs
	}
	c := make([]float64, cols+slacks)
	for v := 0; v < n; v++ {
		if col[v] >= 0 {
			c[col[v]] = p.cost[v]
		}
	}
	_, sol, err := lpSolve(c, a, b, tol)
	if err != nil {
		return nil, err
	}
	for v := 0; v < n; v++ {
		if col[v] >= 0 {
			x[v] = p.lb[v] + sol[col[v]]
		}
	}
	return x, nil
}

func simplex(c []float64, a *mat.Dense, b []float64, tol float64) (float64, []float64, error) {
	return lp.Simplex(c, a, b, tol, nil)
}

// lpSolve points to the function used to solve the standard form program. It
// can be overridden in tests to simulate solver failures.
var lpSolve = simplex
