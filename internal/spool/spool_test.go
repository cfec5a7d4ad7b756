package spool

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probeops/warden/pkg/api"
)

func openTemp(t *testing.T) *Spool {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "spool.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutListDelete(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	res := api.Result{
		ReportID: "r1",
		TaskID:   "t1",
		Outcome:  api.OutcomeToolError,
		ExitCode: 2,
		Stderr:   "host unreachable",
		Duration: 1234,
	}
	require.NoError(t, s.Put(ctx, res))
	require.NoError(t, s.Put(ctx, api.Result{ReportID: "r2", TaskID: "t2", Outcome: api.OutcomeSuccess}))

	got, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, res, got[0], "insertion order and full payload preserved")

	require.NoError(t, s.Delete(ctx, "t1"))
	got, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t2", got[0].TaskID)

	// Deleting an unknown id is a no-op.
	require.NoError(t, s.Delete(ctx, "t1"))
}

func TestPutReplacesByTaskID(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, api.Result{ReportID: "r1", TaskID: "t1", Outcome: api.OutcomeTimeout}))
	require.NoError(t, s.Put(ctx, api.Result{ReportID: "r2", TaskID: "t1", Outcome: api.OutcomeSuccess}))

	got, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, api.OutcomeSuccess, got[0].Outcome)
	assert.Equal(t, "r2", got[0].ReportID)
}

func TestReopenKeepsPending(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spool.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, api.Result{ReportID: "r1", TaskID: "t1", Outcome: api.OutcomeSuccess}))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].TaskID)
}
