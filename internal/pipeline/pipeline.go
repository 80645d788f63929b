package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"reticulum/internal/logging"
	"reticulum/internal/storage"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	JobCalibrate  JobType = "calibrate"
	JobLightcurve JobType = "lightcurve"
)

// Job statuses recorded in the store.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

// ErrQueueFull is returned by Submit when no queue slot is free.
var ErrQueueFull = errors.New("job queue is full")

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("pipeline stopped")

// Job represents a single processing request.
type Job struct {
	ID        string         `json:"id"`
	Type      JobType        `json:"type"`
	InputPath string         `json:"input"`
	Options   map[string]any `json:"options,omitempty"`
}

// NewJob returns a job with a fresh identifier.
func NewJob(t JobType, input string, options map[string]any) Job {
	return Job{ID: uuid.NewString(), Type: t, InputPath: input, Options: options}
}

// Result captures the outcome of a Job.
type Result struct {
	Job    Job
	Status string
	Error  error
	Meta   map[string]any
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Observer is told when jobs start and finish.
type Observer interface {
	JobStarted()
	JobFinished(jobType, status string)
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	store     *storage.Store
	observer  Observer
	mu        sync.Mutex
	stopped   bool
	subs      map[int]chan Result
	nextSubID int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithStore records job lifecycle events in store.
func WithStore(store *storage.Store) Option { return func(p *Pipeline) { p.store = store } }

// WithObserver reports job lifecycle events to obs.
func WithObserver(obs Observer) Option { return func(p *Pipeline) { p.observer = obs } }

// New starts concurrency workers feeding jobs to processor. queueSize bounds
// the number of jobs waiting for a worker.
func New(ctx context.Context, concurrency, queueSize int, processor Processor, logger *slog.Logger, opts ...Option) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if queueSize < 1 {
		queueSize = concurrency * 2
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: processor,
		log:       logger,
		jobs:      make(chan Job, queueSize),
		cancel:    cancel,
		subs:      make(map[int]chan Result),
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return p
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}

	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		if err := p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      StatusQueued,
			InputPath:   job.InputPath,
			OptionsJSON: string(optsJSON),
		}); err != nil {
			p.log.Warn("failed to record queued job", "job", job.ID, "error", err)
		}
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		if p.store != nil {
			_ = p.store.RecordJobResult(job.ID, StatusFailed, nil, ErrQueueFull.Error())
		}
		return ErrQueueFull
	}
}

// Stop signals workers to exit and waits for completion. Jobs still queued
// are dropped.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()

		p.cancel()
		p.wg.Wait()

		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

// Drain stops accepting jobs and waits until every queued job is processed.
func (p *Pipeline) Drain() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()

		p.wg.Wait()
		p.cancel()

		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(ctx, job)
		}
	}
}

func (p *Pipeline) run(ctx context.Context, job Job) {
	start := time.Now()
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Options)
	if p.observer != nil {
		p.observer.JobStarted()
	}
	if p.store != nil {
		_ = p.store.RecordJobStart(job.ID)
	}

	res := p.processor.Process(ctx, job)
	duration := time.Since(start)

	if res.Error != nil {
		res.Status = StatusFailed
		logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
			"input":   job.InputPath,
			"options": job.Options,
		})
	} else {
		if res.Status == "" {
			res.Status = StatusCompleted
		}
		logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
	}

	if p.store != nil {
		if err := p.store.RecordJobResult(job.ID, res.Status, res.Meta, errString(res.Error)); err != nil {
			p.log.Warn("failed to record job result", "job", job.ID, "error", err)
		}
	}
	if p.observer != nil {
		p.observer.JobFinished(string(job.Type), res.Status)
	}

	p.broadcast(res)
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 64)
	if p.stopped {
		close(ch)
		return ch, func() {}
	}
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
