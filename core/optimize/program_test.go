package optimize

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

func TestProgramBoundsAndShift(t *testing.T) {
	// minimise x + 2y with x in [1,4], y in [-2,3], x + y >= 2
	p := &program{}
	x := p.variable(1, 4, 1)
	y := p.variable(-2, 3, 2)
	p.constrain(ge, 2, term{x, 1}, term{y, 1})
	sol, err := p.solve(1e-9)
	require.NoError(t, err)
	assert.InDelta(t, 4, sol[x], 1e-9)
	assert.InDelta(t, -2, sol[y], 1e-9)
}

func TestProgramEqualityAndFix(t *testing.T) {
	p := &program{}
	a := p.variable(0, math.Inf(1), 0)
	b := p.variable(0, 10, -1)
	p.fix(a, 3)
	p.constrain(eq, 5, term{a, 1}, term{b, 1})
	sol, err := p.solve(1e-9)
	require.NoError(t, err)
	assert.InDelta(t, 3, sol[a], 1e-9)
	assert.InDelta(t, 2, sol[b], 1e-9)
}

func TestProgramInfeasible(t *testing.T) {
	p := &program{}
	x := p.variable(0, 1, 1)
	p.constrain(ge, 2, term{x, 1})
	_, err := p.solve(1e-9)
	assert.Error(t, err)

	q := &program{}
	v := q.variable(2, 1, 0)
	q.constrain(le, 5, term{v, 1})
	_, err = q.solve(1e-9)
	assert.ErrorIs(t, err, errBounds)
}

func TestProgramUnusedVariableRestsAtLowerBound(t *testing.T) {
	p := &program{}
	free := p.variable(0.5, math.Inf(1), 1)
	x := p.variable(0, 2, -1)
	sol, err := p.solve(1e-9)
	require.NoError(t, err)
	assert.Equal(t, 0.5, sol[free])
	assert.InDelta(t, 2, sol[x], 1e-9)

	u := &program{}
	u.variable(0, math.Inf(1), -1)
	_, err = u.solve(1e-9)
	assert.ErrorIs(t, err, lp.ErrUnbounded)
}

func TestLPSolveOverride(t *testing.T) {
	orig := lpSolve
	defer func() { lpSolve = orig }()
	lpSolve = func([]float64, *mat.Dense, []float64, float64) (float64, []float64, error) {
		return 0, nil, errors.New("boom")
	}
	p := &program{}
	x := p.variable(0, 1, 1)
	p.constrain(le, 1, term{x, 1})
	_, err := p.solve(1e-9)
	assert.EqualError(t, err, "boom")
}
