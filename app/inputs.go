package app

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/kilianp07/gridflex/core/feeder"
	"github.com/kilianp07/gridflex/core/pipeline"
	"github.com/kilianp07/gridflex/core/reinforce"
)

// timeframeInputs are the settings the reference snapshot is cut with.
type timeframeInputs struct {
	Start          time.Time         `json:"start"`
	TotalTimesteps int               `json:"total_timesteps"`
	FixPreparation bool              `json:"fix_preparation"`
	Reinforce      *reinforce.Config `json:"reinforce,omitempty"`
}

// inputs digests the optimisation and reinforcement settings a grid
// preparation task reads. The grids ledger re-runs the task when they change
// under the same grids version.
func (a *App) inputs(task string) string {
	cfg := a.Config
	start, _ := cfg.Opt.Start()
	tf := timeframeInputs{Start: start, TotalTimesteps: cfg.Opt.TotalTimesteps, FixPreparation: cfg.Grids.FixPreparation}
	if tf.FixPreparation {
		tf.Reinforce = &cfg.Reinforce
	}
	var v any
	switch pipeline.Stage(task) {
	case StageReferenceMVGD:
		v = tf
	case StageReferenceFeeder:
		v = struct {
			Timeframe timeframeInputs    `json:"timeframe"`
			Flex      feeder.FlexOptions `json:"flex"`
		}{tf, cfg.Opt.Flex()}
	case StageReferenceReinforced:
		v = struct {
			Timeframe timeframeInputs  `json:"timeframe"`
			Reinforce reinforce.Config `json:"reinforce"`
		}{tf, cfg.Reinforce}
	default:
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		// never matches a stored digest, the task re-runs
		return "invalid: " + err.Error()
	}
	return strconv.FormatUint(xxhash.Sum64(raw), 16)
}
