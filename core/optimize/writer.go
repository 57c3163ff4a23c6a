package optimize

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"

	"github.com/kilianp07/gridflex/pkg/frame"
)

// SlackTolerance is the magnitude under which slack entries are dropped.
const SlackTolerance = 1e-6

// FileName returns the name of a per-window output table.
func FileName(param, grid, feederID string, k int) string {
	return fmt.Sprintf("%s_%s-%s_iteration_%d.csv", param, grid, feederID, k)
}

// FilterSlack drops the rows and columns of a slack table in which every
// entry is within SlackTolerance of zero.
func FilterSlack(f frame.Frame) frame.Frame {
	var cols []string
	for _, c := range f.Columns {
		vals, _ := f.Column(c)
		for _, v := range vals {
			if math.Abs(v) > SlackTolerance {
				cols = append(cols, c)
				break
			}
		}
	}
	if len(cols) == 0 {
		return frame.New(nil, nil)
	}
	kept := f.SelectColumns(cols)
	var rows []frame.Frame
	for row := range kept.Index {
		for _, c := range cols {
			if math.Abs(kept.Get(c, row)) > SlackTolerance {
				rows = append(rows, kept.Slice(row, row+1))
				break
			}
		}
	}
	out, _ := frame.Merge(0, rows...)
	return out
}

// WriteWindow writes the first primary rows of every table of res to dir and
// returns the written paths. Empty slack tables are not written.
func WriteWindow(dir, grid, feederID string, k, primary int, res Result) ([]string, error) {
	names := make([]string, 0, len(res))
	for n := range res {
		names = append(names, n)
	}
	sort.Strings(names)
	var paths []string
	for _, name := range names {
		f := res[name].Slice(0, primary)
		if IsSlack(name) {
			f = FilterSlack(f)
		}
		if f.Empty() {
			continue
		}
		path := filepath.Join(dir, FileName(name, grid, feederID, k))
		if err := frame.WriteFile(path, f, frame.Half); err != nil {
			return paths, fmt.Errorf("write %s: %w", name, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
