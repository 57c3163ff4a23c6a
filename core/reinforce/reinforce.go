// Package reinforce resolves overloading and voltage issues of a grid by
// adding parallel equipment, with recovery strategies for power flows that
// do not converge.
package reinforce

import (
	"context"
	"fmt"
	"time"

	"github.com/kilianp07/gridflex/core/factory"
	"github.com/kilianp07/gridflex/core/model"
)

// Seed selects the initial voltage guess of the power flow.
type Seed int

const (
	// SeedFlat starts every bus at 1 pu.
	SeedFlat Seed = iota
	// SeedLPF starts from the linear DistFlow solution.
	SeedLPF
)

// Options narrow one reinforcement call.
type Options struct {
	// Index restricts the analysed timesteps. Empty means the full index.
	Index []time.Time
	Seed  Seed
	// IterationCap overrides the power flow iteration cap when positive.
	IterationCap int
}

// Change is one reinforcement measure.
type Change struct {
	Iteration int
	Branch    string
	Kind      model.BranchKind
	Reason    string
	Before    int
	After     int
	SNom      float64
}

// Result is the reinforced snapshot and the measures taken on it.
type Result struct {
	Grid     *model.Grid
	Changes  []Change
	Strategy Strategy
}

// Engine is a reinforcement routine. On timesteps where the power flow does
// not converge it returns an error of kind PowerFlowNonConvergent carrying an
// *errs.NonConvergence.
type Engine interface {
	Reinforce(ctx context.Context, g *model.Grid, opts Options) (*Result, error)
}

// Engines holds the reinforcement engines keyed by type.
var Engines = factory.NewRegistry[Engine]()

func init() {
	if err := Engines.Register("sweep", NewSweep); err != nil {
		panic(fmt.Sprintf("register sweep engine: %v", err))
	}
}

func indexOrAll(g *model.Grid, index []time.Time) []time.Time {
	if len(index) == 0 {
		return g.TimeIndex
	}
	return index
}
