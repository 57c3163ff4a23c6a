package app

import (
	"path/filepath"

	"github.com/kilianp07/gridflex/core/optimize"
	"github.com/kilianp07/gridflex/core/reinforce"
)

// Layout resolves the result directories of a run. Grid preparation writes
// below the grids run, everything else below the optimisation run.
type Layout struct {
	Import   string
	GridsRun string
	OptRun   string
}

// Source returns the snapshot directory of grid in the import directory.
func (l Layout) Source(grid string) string { return filepath.Join(l.Import, grid) }

func (l Layout) ReferenceMVGD(grid string) string {
	return filepath.Join(l.GridsRun, grid, "reference_mvgd")
}

func (l Layout) ReferenceFeeder(grid string) string {
	return filepath.Join(l.GridsRun, grid, "reference_feeder")
}

func (l Layout) ReferenceReinforced(grid string) string {
	return filepath.Join(l.GridsRun, grid, "reference_reinforced")
}

// Case is the root of one optimisation case: the reference grid or an
// expansion scenario of it.
type Case struct {
	Grid string
	// Share is zero for the reference case.
	Share float64
	root  string
	l     Layout
}

// Reference returns the reference case of grid.
func (l Layout) Reference(grid string) Case {
	return Case{Grid: grid, root: filepath.Join(l.OptRun, grid), l: l}
}

// Scenario returns the expansion scenario of grid at share.
func (l Layout) Scenario(grid string, share float64) Case {
	return Case{Grid: grid, Share: share, root: filepath.Join(l.OptRun, grid, "scenarios", reinforce.ScenarioDir(share)), l: l}
}

// Tag is the task name suffix of the case, empty for the reference.
func (c Case) Tag() string {
	if c.Share == 0 {
		return ""
	}
	return reinforce.ScenarioDir(c.Share)
}

// MVGD is the grid snapshot the case starts from.
func (c Case) MVGD() string {
	if c.Share == 0 {
		return c.l.ReferenceMVGD(c.Grid)
	}
	return filepath.Join(c.root, "mvgd")
}

// Feeders is the feeder directory of the case.
func (c Case) Feeders() string {
	if c.Share == 0 {
		return c.l.ReferenceFeeder(c.Grid)
	}
	return filepath.Join(c.root, "feeder")
}

func (c Case) OptFeeder(obj optimize.Objective, feederID string) string {
	return filepath.Join(c.root, string(obj)+"_feeder", feederID)
}

func (c Case) OptFeeders(obj optimize.Objective) string {
	return filepath.Join(c.root, string(obj)+"_feeder")
}

func (c Case) Concat(obj optimize.Objective) string {
	return filepath.Join(c.root, string(obj)+"_concat")
}

func (c Case) Integrated(obj optimize.Objective) string {
	return filepath.Join(c.root, string(obj)+"_mvgd")
}

func (c Case) Reinforced(obj optimize.Objective) string {
	return filepath.Join(c.root, string(obj)+"_reinforced")
}
