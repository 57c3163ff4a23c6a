package optimize

import (
	"fmt"

	"github.com/kilianp07/gridflex/core/errs"
)

// Window is one step of the rolling horizon.
type Window struct {
	K int
	// Start is the offset of the first timestep in the timeframe.
	Start int
	// PrimaryLen timesteps are reported; the rest of the horizon only feeds
	// the warm start of the next window.
	PrimaryLen int
	HorizonLen int
	EraLast    bool
}

func (w Window) String() string {
	return fmt.Sprintf("window %d [%d,%d) horizon %d era_last=%t", w.K, w.Start, w.Start+w.PrimaryLen, w.HorizonLen, w.EraLast)
}

// Schedule splits n timesteps into primary windows of w steps. Every e-th
// window closes an era and is solved without overlap; the others look o
// steps ahead. Horizons never run past the end of the timeframe.
func Schedule(n, w, e, o int) ([]Window, error) {
	const op = "optimize.Schedule"
	switch {
	case n <= 0 || w <= 0 || e <= 0 || o < 0:
		return nil, errs.E(errs.ConfigInvalid, op, "total_timesteps, timesteps_per_iteration and iterations_per_era must be positive and overlap_iterations non-negative")
	case n%w != 0:
		return nil, errs.E(errs.ConfigInvalid, op, "total_timesteps %d is not a multiple of timesteps_per_iteration %d", n, w)
	case e > 1 && o == 0:
		return nil, errs.E(errs.ConfigInvalid, op, "overlap_iterations must be at least 1 when iterations_per_era is %d", e)
	}
	count := n / w
	out := make([]Window, 0, count)
	for k := 0; k < count; k++ {
		win := Window{K: k, Start: k * w, PrimaryLen: w, EraLast: k%e == e-1}
		win.HorizonLen = w
		if !win.EraLast {
			win.HorizonLen = min(w+o, n-win.Start)
		}
		out = append(out, win)
	}
	return out, nil
}
