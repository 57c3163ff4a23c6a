package app

import (
	"context"

	"github.com/kilianp07/gridflex/core/optimize"
	"github.com/kilianp07/gridflex/core/pipeline"
	"github.com/kilianp07/gridflex/core/reinforce"
	"github.com/kilianp07/gridflex/core/versioning"
)

// Task groups and meta-tasks offered on the command line.
const (
	GroupRef        = "ref"
	GroupMinExp     = "min_exp"
	GroupMinPot     = "min_pot"
	GroupExpScn     = "exp_scn"
	GroupScnPot     = "scn_pot"
	GroupTrustIpynb = "trust_ipynb"

	MetaSetOptVersion   = "_set_opt_version"
	MetaGetOptVersion   = "_get_opt_version"
	MetaSetGridsVersion = "_set_grids_version"
	MetaGetGridsVersion = "_get_grids_version"
)

// Groups lists the task groups with their description.
var Groups = map[string]string{
	GroupRef:        "prepare the reference grids: timeframe, feeders and reinforcement",
	GroupMinExp:     "optimise with the configured objective, integrate the dispatch and reinforce",
	GroupMinPot:     "optimise the flexibility potential (maximum and minimum grid power)",
	GroupExpScn:     "reinforce the reference grids for every expansion scenario",
	GroupScnPot:     "optimise the flexibility potential of every expansion scenario",
	GroupTrustIpynb: "mark the report notebooks as trusted",
}

func (a *App) register() error {
	if err := a.Engine.Add(a.metaTasks()...); err != nil {
		return err
	}
	cfg := a.Config
	var ref, minExp, minPot, expScn, scnPot []string
	for _, grid := range cfg.Grids.MVGDs {
		if err := a.Engine.Add(a.referenceTasks(grid)...); err != nil {
			return err
		}
		ref = append(ref,
			pipeline.Name(StageReferenceFeeder, grid),
			pipeline.Name(StageReferenceReinforced, grid))
	}
	for _, grid := range cfg.Opt.MVGDs {
		refCase := a.Layout.Reference(grid)
		if err := a.addOptimisation(refCase, cfg.Opt.Objective); err != nil {
			return err
		}
		if err := a.Engine.Add(a.integrateTask(refCase, cfg.Opt.Objective), a.reinforceTask(refCase, cfg.Opt.Objective)); err != nil {
			return err
		}
		minExp = append(minExp, pipeline.Name(StageReinforce, grid, string(cfg.Opt.Objective)))
		if cfg.Influx.Enabled {
			minExp = append(minExp, exportTask(refCase, cfg.Opt.Objective))
		}
		for _, obj := range PotentialObjectives {
			if obj != cfg.Opt.Objective {
				if err := a.addOptimisation(refCase, obj); err != nil {
					return err
				}
			}
			minPot = append(minPot, a.leaf(refCase, obj))
		}
		for _, share := range reinforce.ScenarioShares {
			c := a.Layout.Scenario(grid, share)
			if err := a.Engine.Add(a.scenarioTasks(c)...); err != nil {
				return err
			}
			expScn = append(expScn, feederTask(c))
			for _, obj := range PotentialObjectives {
				if err := a.addOptimisation(c, obj); err != nil {
					return err
				}
				scnPot = append(scnPot, a.leaf(c, obj))
			}
		}
	}
	return a.Engine.Add(
		pipeline.Group(GroupRef, Groups[GroupRef], ref...),
		pipeline.Group(GroupMinExp, Groups[GroupMinExp], minExp...),
		pipeline.Group(GroupMinPot, Groups[GroupMinPot], minPot...),
		pipeline.Group(GroupExpScn, Groups[GroupExpScn], expScn...),
		pipeline.Group(GroupScnPot, Groups[GroupScnPot], scnPot...),
		pipeline.Task{
			Name: GroupTrustIpynb,
			Doc:  Groups[GroupTrustIpynb],
			Actions: []pipeline.Action{func(context.Context) error {
				a.log.Infof("notebooks are not rendered by this pipeline, nothing to trust")
				return nil
			}},
		},
	)
}

func (a *App) addOptimisation(c Case, obj optimize.Objective) error {
	gen, tasks := a.optimizeTasks(c, obj)
	if err := a.Engine.AddGenerator(gen); err != nil {
		return err
	}
	return a.Engine.Add(tasks...)
}

// leaf is the last task of an optimisation without integration.
func (a *App) leaf(c Case, obj optimize.Objective) string {
	if a.Config.Influx.Enabled {
		return exportTask(c, obj)
	}
	return concatTask(c, obj)
}

func (a *App) metaTasks() []pipeline.Task {
	meta := func(name, doc string, store *versioning.Store, set bool) pipeline.Task {
		return pipeline.Task{
			Name: name,
			Doc:  doc,
			Actions: []pipeline.Action{func(ctx context.Context) error {
				if set {
					path, err := store.SetVersion(ctx)
					if err != nil {
						return err
					}
					if path != "" {
						a.log.Infof("%s: configuration saved to %s", name, path)
					}
					return nil
				}
				cur, err := store.Current(ctx)
				if err != nil {
					return err
				}
				a.log.Infof("%s: run %s at version %d", store.Key, cur.RunID, cur.Version)
				return nil
			}},
		}
	}
	return []pipeline.Task{
		meta(MetaSetOptVersion, "apply opt.run_id and opt.version to the ledger", a.ledgers.opt, true),
		meta(MetaGetOptVersion, "show the current optimisation run and version", a.ledgers.opt, false),
		meta(MetaSetGridsVersion, "apply grids.run_id and grids.version to the ledger", a.ledgers.grids, true),
		meta(MetaGetGridsVersion, "show the current grid-preparation run and version", a.ledgers.grids, false),
	}
}
