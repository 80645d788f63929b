package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"reticulum/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type funcProcessor func(ctx context.Context, job Job) Result

func (f funcProcessor) Process(ctx context.Context, job Job) Result { return f(ctx, job) }

type jobCounts struct {
	mu       sync.Mutex
	started  int
	finished map[string]int
}

func (c *jobCounts) JobStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started++
}

func (c *jobCounts) JobFinished(jobType, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished == nil {
		c.finished = map[string]int{}
	}
	c.finished[jobType+"/"+status]++
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPipelineRecordsOutcomes(t *testing.T) {
	store := openStore(t)
	counts := &jobCounts{}
	proc := funcProcessor(func(ctx context.Context, job Job) Result {
		switch job.InputPath {
		case "bad.json":
			return Result{Job: job, Error: errors.New("schema mismatch")}
		case "old.json":
			return Result{Job: job, Status: StatusSkipped, Meta: map[string]any{"skipped": "artifact-exists"}}
		}
		return Result{Job: job, Meta: map[string]any{"sources": 3}}
	})

	p := New(context.Background(), 2, 8, proc, quiet(), WithStore(store), WithObserver(counts))
	results, unsub := p.Subscribe()
	defer unsub()

	jobs := []Job{
		NewJob(JobCalibrate, "good.json", nil),
		NewJob(JobCalibrate, "bad.json", nil),
		NewJob(JobCalibrate, "old.json", map[string]any{"reprocess": false}),
	}
	for _, job := range jobs {
		require.NoError(t, p.Submit(job))
	}

	got := map[string]string{}
	timeout := time.After(5 * time.Second)
	for len(got) < len(jobs) {
		select {
		case res := <-results:
			got[res.Job.InputPath] = res.Status
		case <-timeout:
			require.Failf(t, "timed out", "%d results", len(got))
		}
	}
	p.Stop()

	assert.Equal(t, map[string]string{
		"good.json": StatusCompleted,
		"bad.json":  StatusFailed,
		"old.json":  StatusSkipped,
	}, got)

	for _, job := range jobs {
		rec, err := store.Job(job.ID)
		require.NoError(t, err)
		assert.Equal(t, got[job.InputPath], rec.Status)
	}
	failed, err := store.Job(jobs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "schema mismatch", failed.Error)

	assert.Equal(t, 3, counts.started)
	assert.Equal(t, 1, counts.finished["calibrate/failed"])
	assert.Equal(t, 1, counts.finished["calibrate/skipped"])
}

func TestPipelineQueueFull(t *testing.T) {
	release := make(chan struct{})
	proc := funcProcessor(func(ctx context.Context, job Job) Result {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return Result{Job: job}
	})

	p := New(context.Background(), 1, 1, proc, quiet())
	defer p.Stop()
	defer close(release)

	// One job occupies the worker, one fills the queue.
	require.NoError(t, p.Submit(NewJob(JobCalibrate, "a.json", nil)))
	var err error
	for i := 0; i < 50 && err == nil; i++ {
		err = p.Submit(NewJob(JobCalibrate, "b.json", nil))
	}
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestPipelineSubmitAfterStop(t *testing.T) {
	p := New(context.Background(), 1, 1, funcProcessor(func(ctx context.Context, job Job) Result {
		return Result{Job: job}
	}), quiet())
	p.Stop()
	p.Stop()

	assert.ErrorIs(t, p.Submit(NewJob(JobCalibrate, "a.json", nil)), ErrStopped)

	ch, unsub := p.Subscribe()
	defer unsub()
	_, open := <-ch
	assert.False(t, open)
}

func TestPipelineDrainProcessesQueuedJobs(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	p := New(context.Background(), 1, 10, funcProcessor(func(ctx context.Context, job Job) Result {
		mu.Lock()
		seen = append(seen, job.InputPath)
		mu.Unlock()
		return Result{Job: job}
	}), quiet())

	for _, in := range []string{"a.json", "b.json", "c.json"} {
		require.NoError(t, p.Submit(NewJob(JobCalibrate, in, nil)))
	}
	p.Drain()

	assert.Equal(t, []string{"a.json", "b.json", "c.json"}, seen)
}

func TestNewJobAssignsUniqueIDs(t *testing.T) {
	a := NewJob(JobCalibrate, "a.json", nil)
	b := NewJob(JobCalibrate, "a.json", nil)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
}
