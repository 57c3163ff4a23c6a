package state_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/gridflex/core/errs"
	"github.com/kilianp07/gridflex/infra/state"
)

func exercise(t *testing.T, open func() (state.Store, error)) {
	t.Helper()
	ctx := context.Background()
	s, err := open()
	require.NoError(t, err)

	_, ok, err := s.Get(ctx, "_set_opt_version")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "_set_opt_version", []byte(`{"current":{"run_id":"R","version":1}}`)))
	require.NoError(t, s.Put(ctx, "_set_opt_version", []byte(`{"current":{"run_id":"R","version":2}}`)))
	require.NoError(t, s.Close())

	s, err = open()
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	v, ok, err := s.Get(ctx, "_set_opt_version")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"current":{"run_id":"R","version":2}}`, string(v))
}

func TestSQLiteStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", ".state.db")
	exercise(t, func() (state.Store, error) { return state.OpenSQLite(path) })
}

func TestJSONStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".state.json")
	exercise(t, func() (state.Store, error) { return state.OpenJSON(path) })
}

func TestJSONStoreRejectsInvalidValue(t *testing.T) {
	s, err := state.OpenJSON(filepath.Join(t.TempDir(), "s.json"))
	require.NoError(t, err)
	assert.Error(t, s.Put(context.Background(), "k", []byte("{")))
}

func TestOpenResolvesBackend(t *testing.T) {
	root := t.TempDir()
	s, err := state.Open(state.Config{Backend: state.BackendJSON}, root)
	require.NoError(t, err)
	assert.IsType(t, &state.JSONStore{}, s)
	require.NoError(t, s.Close())

	s, err = state.Open(state.Config{}, root)
	require.NoError(t, err)
	assert.IsType(t, &state.SQLiteStore{}, s)
	assert.FileExists(t, filepath.Join(root, ".state.db"))
	require.NoError(t, s.Close())

	_, err = state.Open(state.Config{Backend: "redis"}, root)
	assert.True(t, errors.Is(err, errs.ErrConfigInvalid))
}
