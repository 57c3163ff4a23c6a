// Package timeframe restricts grid snapshots to a contiguous time window.
package timeframe

import (
	"fmt"
	"time"

	"github.com/kilianp07/gridflex/core/errs"
	"github.com/kilianp07/gridflex/core/model"
	"github.com/kilianp07/gridflex/pkg/frame"
)

// Select returns a copy of g whose every time-indexed table is restricted to
// index. The input snapshot is left untouched.
func Select(g *model.Grid, index []time.Time) (*model.Grid, error) {
	const op = "timeframe.Select"
	if len(index) == 0 {
		return nil, errs.E(errs.WindowOutOfRange, op, "empty index")
	}
	if !frame.ContainsIndex(g.TimeIndex, index) {
		return nil, errs.E(errs.WindowOutOfRange, op, "window %s..%s not within %s",
			index[0].Format(frame.Layout), index[len(index)-1].Format(frame.Layout), describe(g.TimeIndex))
	}
	out := g.Clone()
	out.TimeIndex = append([]time.Time(nil), index...)
	for name, f := range out.Frames() {
		if f.Width() == 0 {
			*f = frame.New(index, nil)
			continue
		}
		sel, err := f.Select(index)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		*f = sel
	}
	return out, nil
}

// SelectRange selects periods hourly steps starting at start. A zero start
// selects from the first timestamp of the snapshot.
func SelectRange(g *model.Grid, start time.Time, periods int) (*model.Grid, error) {
	if periods <= 0 {
		return nil, errs.E(errs.WindowOutOfRange, "timeframe.SelectRange", "periods must be positive, got %d", periods)
	}
	if len(g.TimeIndex) == 0 {
		return nil, errs.E(errs.WindowOutOfRange, "timeframe.SelectRange", "snapshot has no time index")
	}
	return Select(g, g.IndexFrom(start, periods))
}

func describe(index []time.Time) string {
	if len(index) == 0 {
		return "[]"
	}
	return fmt.Sprintf("[%s..%s]", index[0].Format(frame.Layout), index[len(index)-1].Format(frame.Layout))
}
