package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nucleusquant/internal/measure"
	"nucleusquant/internal/qc"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "nq.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "  ")
	assert.Error(t, err)
}

func TestOpen_MigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nq.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(context.Background(), path)
	require.NoError(t, err)
	defer s.Close()
	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(1) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestSaveRun_ListNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveRun(ctx, RunRecord{RunID: "old", RunHash: "h1", StartedAt: base, FinishedAt: base.Add(time.Second), Status: "succeeded"}))
	require.NoError(t, s.SaveRun(ctx, RunRecord{RunID: "new", RunHash: "h2", StartedAt: base.Add(time.Hour), FinishedAt: base.Add(time.Hour), Status: "partial", Failures: 1, Params: map[string]any{"min_nucleus_size": 100}}))

	runs, err := s.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].RunID)
	assert.Equal(t, 1, runs[0].Failures)
	assert.Equal(t, float64(100), runs[0].Params["min_nucleus_size"])
	assert.True(t, runs[1].StartedAt.Equal(base))
}

func TestSaveRun_Upserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveRun(ctx, RunRecord{RunID: "r", Status: "partial"}))
	require.NoError(t, s.SaveRun(ctx, RunRecord{RunID: "r", Status: "succeeded"}))

	r, err := s.GetRun(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", r.Status)

	_, err = s.GetRun(ctx, "missing")
	assert.True(t, errors.Is(err, ErrRunNotFound))
}

func TestMeasurements_RoundTripOrdered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveRun(ctx, RunRecord{RunID: "r"}))

	ms := []measure.Measurement{
		{ImageID: "b", Label: 1, Area: 10, MeanIntensity: 2.5, IntegratedIntensity: 25, CentroidRow: 1.5, CentroidCol: 2, MaxRow: 3, MaxCol: 4},
		{ImageID: "a", Label: 2, Area: 20, MeanIntensity: 1, IntegratedIntensity: 20},
		{ImageID: "a", Label: 1, Area: 30, MeanIntensity: 3, IntegratedIntensity: 90},
	}
	require.NoError(t, s.SaveMeasurements(ctx, "r", ms))

	got, err := s.MeasurementsForRun(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, []measure.Measurement{ms[2], ms[1], ms[0]}, got)

	require.NoError(t, s.SaveMeasurements(ctx, "r", ms[:1]))
	got, err = s.MeasurementsForRun(ctx, "r")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMeasurements_RequireRun(t *testing.T) {
	s := openTestStore(t)
	err := s.SaveMeasurements(context.Background(), "ghost", []measure.Measurement{{ImageID: "a", Label: 1}})
	assert.Error(t, err, "foreign keys must be enforced")
}

func TestFlags_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveRun(ctx, RunRecord{RunID: "r"}))
	flags := []qc.Flag{
		{ImageID: "z", Count: 9000, Reason: qc.ReasonTooMany},
		{ImageID: "a", Count: 1, Reason: qc.ReasonTooFew},
	}
	require.NoError(t, s.SaveFlags(ctx, "r", flags))

	got, err := s.FlagsForRun(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, []qc.Flag{flags[1], flags[0]}, got)
}
