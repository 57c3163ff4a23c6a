package reinforce

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
)

// ChangesFile is the name of the measures table in a reinforced directory.
const ChangesFile = "equipment_changes.csv"

// WriteChanges writes the measures to dir/equipment_changes.csv.
func WriteChanges(dir string, changes []Change) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, ChangesFile))
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	_ = w.Write([]string{"iteration", "branch", "kind", "reason", "num_parallel_before", "num_parallel_after", "s_nom"})
	for _, c := range changes {
		_ = w.Write([]string{
			strconv.Itoa(c.Iteration), c.Branch, string(c.Kind), c.Reason,
			strconv.Itoa(c.Before), strconv.Itoa(c.After),
			strconv.FormatFloat(c.SNom, 'g', -1, 64),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
