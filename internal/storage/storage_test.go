package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "reticulum.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJobLifecycle(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.RecordJobQueued(JobRecord{ID: "j1", JobType: "calibrate", Status: "queued", InputPath: "/frames/a.json"}))
	require.NoError(t, s.RecordJobStart("j1"))
	require.NoError(t, s.RecordJobResult("j1", "completed", map[string]any{"filter": "r", "sources": 12}, ""))

	rec, err := s.Job("j1")
	require.NoError(t, err)
	assert.Equal(t, "completed", rec.Status)
	assert.Equal(t, "/frames/a.json", rec.InputPath)
	assert.NotNil(t, rec.StartedAt)
	assert.NotNil(t, rec.CompletedAt)

	meta, err := s.JobMeta("j1")
	require.NoError(t, err)
	assert.Equal(t, "r", meta["filter"])
	assert.Equal(t, float64(12), meta["sources"])

	_, err = s.Job("missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestRecentJobsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.RecordJobQueued(JobRecord{ID: id, JobType: "calibrate", Status: "queued"}))
	}

	recs, err := s.RecentJobs(2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "c", recs[0].ID)
	assert.Equal(t, "b", recs[1].ID)
}

func TestCatalogCacheRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetCatalog(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutCatalog(ctx, "k", []byte{1, 2, 3}))
	require.NoError(t, s.PutCatalog(ctx, "k", []byte{4, 5}))

	got, ok, err := s.GetCatalog(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte{4, 5}, got)

	n, err := s.PruneCatalogCache(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestFramesFilteredAndOrdered(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.RecordFrame(FrameRecord{FramePath: "b.json", ArtifactPath: "b.json.parquet", Filter: "r", MJD: 60001}))
	require.NoError(t, s.RecordFrame(FrameRecord{FramePath: "a.json", ArtifactPath: "a.json.parquet", Filter: "r", MJD: 60000}))
	require.NoError(t, s.RecordFrame(FrameRecord{FramePath: "c.json", ArtifactPath: "c.json.parquet", Filter: "V", MJD: 59999}))

	all, err := s.Frames("")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c.json", all[0].FramePath)

	r, err := s.Frames("r")
	require.NoError(t, err)
	require.Len(t, r, 2)
	assert.Equal(t, "a.json", r[0].FramePath)
	assert.Equal(t, "b.json", r[1].FramePath)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("postgres", filepath.Join(t.TempDir(), "x.db"))
	assert.Error(t, err)
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	assert.NoError(t, s.RecordJobQueued(JobRecord{ID: "x"}))
	assert.NoError(t, s.PutCatalog(context.Background(), "k", nil))
	_, ok, err := s.GetCatalog(context.Background(), "k")
	assert.NoError(t, err)
	assert.False(t, ok)
}
