// Package frame implements the time-indexed tables exchanged between the
// pipeline stages: one row per timestamp, one column per grid component.
package frame

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/kilianp07/gridflex/core/errs"
)

// Frame is a column-major table indexed by timestamps.
type Frame struct {
	Index   []time.Time
	Columns []string
	data    [][]float64
	pos     map[string]int
}

// New returns a zero-filled frame.
func New(index []time.Time, columns []string) Frame {
	f := Frame{
		Index:   append([]time.Time(nil), index...),
		Columns: append([]string(nil), columns...),
		data:    make([][]float64, len(columns)),
		pos:     make(map[string]int, len(columns)),
	}
	for i, c := range f.Columns {
		f.data[i] = make([]float64, len(index))
		f.pos[c] = i
	}
	return f
}

// FromColumns builds a frame from named series. Columns are sorted by name.
func FromColumns(index []time.Time, cols map[string][]float64) (Frame, error) {
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)
	f := New(index, names)
	for i, name := range names {
		v := cols[name]
		if len(v) != len(index) {
			return Frame{}, errs.E(errs.DataShapeMismatch, "frame.FromColumns", "column %s has %d rows, index has %d", name, len(v), len(index))
		}
		copy(f.data[i], v)
	}
	return f, nil
}

// HourlyIndex returns periods hourly timestamps starting at start.
func HourlyIndex(start time.Time, periods int) []time.Time {
	idx := make([]time.Time, periods)
	for i := range idx {
		idx[i] = start.Add(time.Duration(i) * time.Hour)
	}
	return idx
}

func (f Frame) Len() int   { return len(f.Index) }
func (f Frame) Width() int { return len(f.Columns) }

// Empty reports whether the frame has no rows or no columns.
func (f Frame) Empty() bool { return f.Len() == 0 || f.Width() == 0 }

func (f Frame) HasColumn(name string) bool {
	_, ok := f.pos[name]
	return ok
}

// Column returns the series of a column. The slice is shared with the frame.
func (f Frame) Column(name string) ([]float64, bool) {
	i, ok := f.pos[name]
	if !ok {
		return nil, false
	}
	return f.data[i], true
}

// Get returns the value at (col, row); missing columns read as NaN.
func (f Frame) Get(col string, row int) float64 {
	i, ok := f.pos[col]
	if !ok {
		return math.NaN()
	}
	return f.data[i][row]
}

// Set writes a value, adding the column when needed.
func (f *Frame) Set(col string, row int, v float64) {
	i, ok := f.pos[col]
	if !ok {
		f.addColumn(col)
		i = len(f.Columns) - 1
	}
	f.data[i][row] = v
}

// SetColumn adds or replaces a column.
func (f *Frame) SetColumn(name string, values []float64) error {
	if len(values) != f.Len() {
		return errs.E(errs.DataShapeMismatch, "frame.SetColumn", "column %s has %d rows, index has %d", name, len(values), f.Len())
	}
	i, ok := f.pos[name]
	if !ok {
		f.addColumn(name)
		i = len(f.Columns) - 1
	}
	copy(f.data[i], values)
	return nil
}

func (f *Frame) addColumn(name string) {
	pos := make(map[string]int, len(f.pos)+1)
	for k, v := range f.pos {
		pos[k] = v
	}
	pos[name] = len(f.Columns)
	f.pos = pos
	f.Columns = append(append([]string(nil), f.Columns...), name)
	data := make([][]float64, len(f.data), len(f.data)+1)
	copy(data, f.data)
	f.data = append(data, make([]float64, f.Len()))
}

// Clone deep-copies the frame.
func (f Frame) Clone() Frame {
	out := New(f.Index, f.Columns)
	for i := range f.data {
		copy(out.data[i], f.data[i])
	}
	return out
}

// RowOf returns the row position of ts.
func (f Frame) RowOf(ts time.Time) (int, bool) {
	i := sort.Search(len(f.Index), func(i int) bool { return !f.Index[i].Before(ts) })
	if i < len(f.Index) && f.Index[i].Equal(ts) {
		return i, true
	}
	// index is not guaranteed sorted for hand-built frames
	for j, t := range f.Index {
		if t.Equal(ts) {
			return j, true
		}
	}
	return 0, false
}

// Select restricts the frame to index. Every stamp must exist in the frame.
func (f Frame) Select(index []time.Time) (Frame, error) {
	rows := make([]int, len(index))
	for k, ts := range index {
		r, ok := f.RowOf(ts)
		if !ok {
			return Frame{}, errs.E(errs.WindowOutOfRange, "frame.Select", "timestamp %s not in index", ts.Format(Layout))
		}
		rows[k] = r
	}
	out := New(index, f.Columns)
	for c := range f.data {
		for k, r := range rows {
			out.data[c][k] = f.data[c][r]
		}
	}
	return out, nil
}

// Slice returns rows [i, j).
func (f Frame) Slice(i, j int) Frame {
	if i < 0 {
		i = 0
	}
	if j > f.Len() {
		j = f.Len()
	}
	if j < i {
		j = i
	}
	out := New(f.Index[i:j], f.Columns)
	for c := range f.data {
		copy(out.data[c], f.data[c][i:j])
	}
	return out
}

// SelectColumns keeps the named columns that exist, in the given order.
func (f Frame) SelectColumns(names []string) Frame {
	keep := make([]string, 0, len(names))
	for _, n := range names {
		if f.HasColumn(n) {
			keep = append(keep, n)
		}
	}
	out := New(f.Index, keep)
	for i, n := range keep {
		copy(out.data[i], f.data[f.pos[n]])
	}
	return out
}

// DropColumns removes the named columns; unknown names are ignored.
func (f Frame) DropColumns(names ...string) Frame {
	drop := make(map[string]struct{}, len(names))
	for _, n := range names {
		drop[n] = struct{}{}
	}
	keep := make([]string, 0, len(f.Columns))
	for _, c := range f.Columns {
		if _, ok := drop[c]; !ok {
			keep = append(keep, c)
		}
	}
	return f.SelectColumns(keep)
}

// JoinColumns concatenates frames column-wise. All frames must share the same
// index and no column may appear twice.
func JoinColumns(frames ...Frame) (Frame, error) {
	if len(frames) == 0 {
		return Frame{}, nil
	}
	index := frames[0].Index
	var cols []string
	seen := map[string]bool{}
	for _, fr := range frames {
		if !sameIndex(index, fr.Index) {
			return Frame{}, errs.E(errs.DataShapeMismatch, "frame.JoinColumns", "index mismatch (%d vs %d rows)", len(index), fr.Len())
		}
		for _, c := range fr.Columns {
			if seen[c] {
				return Frame{}, errs.E(errs.DataShapeMismatch, "frame.JoinColumns", "duplicate column %s", c)
			}
			seen[c] = true
			cols = append(cols, c)
		}
	}
	out := New(index, cols)
	for _, fr := range frames {
		for i, c := range fr.Columns {
			copy(out.data[out.pos[c]], fr.data[i])
		}
	}
	return out, nil
}

// Merge unions several frames over rows and columns. Rows are sorted
// ascending, columns by name. Cells not covered by any input get fill; the
// number of filled cells is returned. Later frames win on overlapping cells.
func Merge(fill float64, frames ...Frame) (Frame, int) {
	stamps := map[int64]time.Time{}
	colSet := map[string]struct{}{}
	for _, fr := range frames {
		for _, ts := range fr.Index {
			stamps[ts.UnixNano()] = ts
		}
		for _, c := range fr.Columns {
			colSet[c] = struct{}{}
		}
	}
	index := make([]time.Time, 0, len(stamps))
	for _, ts := range stamps {
		index = append(index, ts)
	}
	sort.Slice(index, func(i, j int) bool { return index[i].Before(index[j]) })
	cols := make([]string, 0, len(colSet))
	for c := range colSet {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	rowPos := make(map[int64]int, len(index))
	for i, ts := range index {
		rowPos[ts.UnixNano()] = i
	}
	out := New(index, cols)
	written := make([][]bool, len(cols))
	for i := range written {
		written[i] = make([]bool, len(index))
	}
	for _, fr := range frames {
		for ci, c := range fr.Columns {
			oc := out.pos[c]
			for ri, ts := range fr.Index {
				r := rowPos[ts.UnixNano()]
				out.data[oc][r] = fr.data[ci][ri]
				written[oc][r] = true
			}
		}
	}
	filled := 0
	for c := range written {
		for r, ok := range written[c] {
			if !ok {
				out.data[c][r] = fill
				filled++
			}
		}
	}
	return out, filled
}

// Scale multiplies every cell by factor.
func (f Frame) Scale(factor float64) Frame {
	out := f.Clone()
	for c := range out.data {
		for r := range out.data[c] {
			out.data[c][r] *= factor
		}
	}
	return out
}

// Map applies fn to every cell, returning a new frame.
func (f Frame) Map(fn func(col string, row int, v float64) float64) Frame {
	out := f.Clone()
	for c, name := range out.Columns {
		for r := range out.data[c] {
			out.data[c][r] = fn(name, r, out.data[c][r])
		}
	}
	return out
}

// Equal compares index, columns and values within tol.
func (f Frame) Equal(o Frame, tol float64) bool {
	if !sameIndex(f.Index, o.Index) || len(f.Columns) != len(o.Columns) {
		return false
	}
	for i, c := range f.Columns {
		j, ok := o.pos[c]
		if !ok {
			return false
		}
		for r := range f.data[i] {
			if math.Abs(f.data[i][r]-o.data[j][r]) > tol {
				return false
			}
		}
	}
	return true
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame[%d rows x %d cols]", f.Len(), f.Width())
}

func sameIndex(a, b []time.Time) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// ContainsIndex reports whether every stamp of sub exists in index.
func ContainsIndex(index, sub []time.Time) bool {
	set := make(map[int64]struct{}, len(index))
	for _, ts := range index {
		set[ts.UnixNano()] = struct{}{}
	}
	for _, ts := range sub {
		if _, ok := set[ts.UnixNano()]; !ok {
			return false
		}
	}
	return true
}
