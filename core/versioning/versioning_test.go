package versioning_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/gridflex/core/errs"
	"github.com/kilianp07/gridflex/core/versioning"
	"github.com/kilianp07/gridflex/internal/testutil"
)

type memRecords map[string][]byte

func (m memRecords) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func (m memRecords) Put(_ context.Context, key string, value []byte) error {
	m[key] = append([]byte(nil), value...)
	return nil
}

func store(rec memRecords, run string, version int) *versioning.Store {
	return &versioning.Store{Records: rec, Key: versioning.OptKey, RunID: run, Version: version}
}

func TestUnknownRunStartsAtZero(t *testing.T) {
	rec := memRecords{}
	ctx := context.Background()
	_, err := store(rec, "R", 0).SetVersion(ctx)
	require.NoError(t, err)
	cur, err := store(rec, "R", 0).Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, versioning.Current{RunID: "R", Version: 0}, cur)

	// a new run may directly start at version 1
	_, err = store(rec, "S", 1).SetVersion(ctx)
	require.NoError(t, err)

	_, err = store(rec, "T", 2).SetVersion(ctx)
	assert.True(t, errors.Is(err, errs.ErrVersionRegression))
	l, err := store(rec, "T", 2).Load(ctx)
	require.NoError(t, err)
	v, ok := l.DB["T"]
	assert.True(t, ok, "a new run is inserted even when its version is refused")
	assert.Zero(t, v)
	assert.Equal(t, &versioning.Current{RunID: "S", Version: 1}, l.Current)

	// the inserted row makes version 1 the next valid step
	_, err = store(rec, "T", 1).SetVersion(ctx)
	require.NoError(t, err)
}

func TestVersionAdvancesByOne(t *testing.T) {
	rec := memRecords{}
	ctx := context.Background()
	for v := 0; v <= 3; v++ {
		_, err := store(rec, "R", v).SetVersion(ctx)
		require.NoError(t, err)
	}
	_, err := store(rec, "R", 3).SetVersion(ctx)
	require.NoError(t, err, "same version is a no-op")
	_, err = store(rec, "R", 5).SetVersion(ctx)
	assert.True(t, errors.Is(err, errs.ErrVersionRegression))

	l, err := store(rec, "R", 3).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, l.DB["R"])
}

func TestVersionRegressionLeavesLedgerUnchanged(t *testing.T) {
	rec := memRecords{versioning.OptKey: []byte(`{"current":{"run_id":"R","version":5},"db":{"R":5}}`)}
	before := string(rec[versioning.OptKey])
	log := &testutil.Logger{}
	s := store(rec, "R", 3)
	s.Logger = log
	s.RunDir = t.TempDir()
	s.Config = map[string]any{"run_id": "R", "version": 3}

	path, err := s.SetVersion(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrVersionRegression))
	assert.Contains(t, err.Error(), "set version to 5 or 6")
	assert.Empty(t, path)
	assert.Equal(t, before, string(rec[versioning.OptKey]))
	assert.Equal(t, 1, log.WarningCount())

	entries, err := os.ReadDir(s.RunDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSetVersionWritesConfigSnapshot(t *testing.T) {
	s := store(memRecords{}, "R", 0)
	s.RunDir = filepath.Join(t.TempDir(), "R")
	s.Config = map[string]any{"run_id": "R", "version": 0, "objective": "minimize_loading"}
	s.Now = func() time.Time { return time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC) }

	path, err := s.SetVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.RunDir, "config_version_0_2024-05-01T12-30-00.yaml"), path)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "objective: minimize_loading")
}

func TestUpToDateFollowsCurrentVersion(t *testing.T) {
	rec := memRecords{}
	ctx := context.Background()
	s := store(rec, "R", 0)
	_, err := s.SetVersion(ctx)
	require.NoError(t, err)

	ok, err := s.IsUpToDate(ctx, "optimize:177:01:minimize_loading")
	require.NoError(t, err)
	assert.False(t, ok, "never recorded")

	require.NoError(t, s.Record(ctx, "optimize:177:01:minimize_loading"))
	ok, err = s.IsUpToDate(ctx, "optimize:177:01:minimize_loading")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store(rec, "R", 1).SetVersion(ctx)
	require.NoError(t, err)
	ok, err = s.IsUpToDate(ctx, "optimize:177:01:minimize_loading")
	require.NoError(t, err)
	assert.False(t, ok, "stored version is behind the current one")

	_, err = store(rec, "Q", 0).SetVersion(ctx)
	require.NoError(t, err)
	ok, err = s.IsUpToDate(ctx, "optimize:177:01:minimize_loading")
	require.NoError(t, err)
	assert.False(t, ok, "no record for the current run")
}

func TestUpToDateFollowsInputs(t *testing.T) {
	rec := memRecords{}
	ctx := context.Background()
	digest := "a"
	s := store(rec, "R", 0)
	s.Inputs = func(task string) string {
		if task == "reference_feeder:177" {
			return digest
		}
		return ""
	}
	_, err := s.SetVersion(ctx)
	require.NoError(t, err)
	for _, task := range []string{"reference_feeder:177", "reference_mvgd:177"} {
		require.NoError(t, s.Record(ctx, task))
		ok, err := s.IsUpToDate(ctx, task)
		require.NoError(t, err)
		assert.True(t, ok, task)
	}

	digest = "b"
	ok, err := s.IsUpToDate(ctx, "reference_feeder:177")
	require.NoError(t, err)
	assert.False(t, ok, "inputs changed")
	ok, err = s.IsUpToDate(ctx, "reference_mvgd:177")
	require.NoError(t, err)
	assert.True(t, ok, "tasks without inputs follow the version only")

	require.NoError(t, s.Record(ctx, "reference_feeder:177"))
	ok, err = s.IsUpToDate(ctx, "reference_feeder:177")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCurrentWithoutLedger(t *testing.T) {
	_, err := store(memRecords{}, "R", 0).Current(context.Background())
	assert.True(t, errors.Is(err, errs.ErrIOMissing))
}
