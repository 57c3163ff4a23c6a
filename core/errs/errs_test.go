package errs

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsSentinel(t *testing.T) {
	err := fmt.Errorf("feeder 03: %w", E(NonRadialFeeder, "dnm.Build", "edge %s closes a loop", "l7"))
	assert.True(t, errors.Is(err, ErrNonRadialFeeder))
	assert.False(t, errors.Is(err, ErrIOMissing))
	assert.Equal(t, NonRadialFeeder, KindOf(err))
	assert.Contains(t, err.Error(), "l7")
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(IOMissing, "op", nil))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.Equal(t, SolverTimeout, KindOf(ErrSolverTimeout))
}

func TestFatalPolicy(t *testing.T) {
	assert.False(t, Fatal(SolverInfeasible))
	assert.False(t, Fatal(SolverTimeout))
	for _, k := range []Kind{ConfigInvalid, VersionRegression, NonRadialFeeder, DataShapeMismatch, IOMissing, WindowOutOfRange, PowerFlowNonConvergent} {
		assert.True(t, Fatal(k), k.String())
	}
}

func TestUnconverged(t *testing.T) {
	ts := time.Date(2011, 1, 1, 3, 0, 0, 0, time.UTC)
	err := Wrap(PowerFlowNonConvergent, "pf", &NonConvergence{Timestamps: []time.Time{ts}})
	got, ok := Unconverged(err)
	require.True(t, ok)
	assert.Equal(t, []time.Time{ts}, got)
	assert.True(t, errors.Is(err, ErrPowerFlowNonConvergent))
	_, ok = Unconverged(errors.New("x"))
	assert.False(t, ok)
}
