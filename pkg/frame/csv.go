package frame

import (
	"encoding/csv"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/x448/float16"

	"github.com/kilianp07/gridflex/core/errs"
)

// Layout is the naive hourly timestamp format used in every CSV.
const Layout = "2006-01-02 15:04:05"

// IndexHeader names the datetime column.
const IndexHeader = "timeindex"

// Precision selects how cells are serialised.
type Precision int

const (
	// Half rounds cells to IEEE 754 half precision, the result file format.
	Half Precision = iota
	// Full keeps float64 precision, used for snapshot state.
	Full
)

// WriteCSV writes f with the datetime index as first column.
func WriteCSV(w io.Writer, f Frame, p Precision) error {
	cw := csv.NewWriter(w)
	header := append([]string{IndexHeader}, f.Columns...)
	if err := cw.Write(header); err != nil {
		return err
	}
	rec := make([]string, len(header))
	for r, ts := range f.Index {
		rec[0] = ts.Format(Layout)
		for c := range f.Columns {
			rec[c+1] = formatCell(f.data[c][r], p)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatCell(v float64, p Precision) string {
	if p == Half {
		h := float16.Fromfloat32(float32(v))
		return strconv.FormatFloat(float64(h.Float32()), 'g', -1, 32)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ReadCSV parses a frame written by WriteCSV. Cells are read as float64;
// an empty cell is a shape error, NaN must be spelled out.
func ReadCSV(r io.Reader) (Frame, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, errs.E(errs.DataShapeMismatch, "frame.ReadCSV", "empty file")
		}
		return Frame{}, err
	}
	if len(header) == 0 {
		return Frame{}, errs.E(errs.DataShapeMismatch, "frame.ReadCSV", "missing header")
	}
	cols := header[1:]
	var index []time.Time
	values := make([][]float64, len(cols))
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Frame{}, err
		}
		line++
		if len(rec) != len(header) {
			return Frame{}, errs.E(errs.DataShapeMismatch, "frame.ReadCSV", "line %d has %d fields, header has %d", line, len(rec), len(header))
		}
		ts, err := ParseTime(rec[0])
		if err != nil {
			return Frame{}, errs.Wrap(errs.DataShapeMismatch, "frame.ReadCSV", err)
		}
		index = append(index, ts)
		for c := range cols {
			if rec[c+1] == "" {
				return Frame{}, errs.E(errs.DataShapeMismatch, "frame.ReadCSV", "line %d column %s: empty cell", line, cols[c])
			}
			v, err := strconv.ParseFloat(rec[c+1], 64)
			if err != nil {
				return Frame{}, errs.E(errs.DataShapeMismatch, "frame.ReadCSV", "line %d column %s: %v", line, cols[c], err)
			}
			values[c] = append(values[c], v)
		}
	}
	f := New(index, cols)
	for c := range cols {
		copy(f.data[c], values[c])
	}
	return f, nil
}

// ParseTime accepts the CSV layout and RFC 3339.
func ParseTime(s string) (time.Time, error) {
	if ts, err := time.ParseInLocation(Layout, s, time.UTC); err == nil {
		return ts, nil
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	// timestamps are naive; drop the zone but keep the wall clock
	return time.Date(ts.Year(), ts.Month(), ts.Day(), ts.Hour(), ts.Minute(), ts.Second(), 0, time.UTC), nil
}

// WriteFile writes f to path, creating parent directories.
func WriteFile(path string, f Frame, p Precision) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := WriteCSV(out, f, p); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadFile reads a frame from path. A missing file is reported as IOMissing.
func ReadFile(path string) (Frame, error) {
	in, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Frame{}, errs.Wrap(errs.IOMissing, "frame.ReadFile", err)
		}
		return Frame{}, err
	}
	defer func() { _ = in.Close() }()
	return ReadCSV(in)
}
