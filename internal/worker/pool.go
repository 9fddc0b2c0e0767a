// Package worker runs the fixed-size pool that drains the job queue.
// Each worker claims one job at a time under a lease, heartbeats while a
// handler runs, and writes the terminal state and terminal event through
// the store so crash recovery never loses or duplicates work.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peregrine-ai/researchd/internal/errs"
	"github.com/peregrine-ai/researchd/internal/events"
	"github.com/peregrine-ai/researchd/internal/metrics"
	"github.com/peregrine-ai/researchd/internal/store"
	"github.com/peregrine-ai/researchd/internal/telemetry"
)

// Handler executes one job kind. The context is canceled on client
// cancel, lease loss, and shutdown; handlers must return promptly when
// it is. A nil error with a result marks the job succeeded. Re-queueing
// happens only when the handler wraps its error with errs.RequestRetry,
// and only while the attempt budget lasts; any other error, transient
// included, is terminal.
type Handler func(ctx context.Context, job *JobContext) (json.RawMessage, error)

// JobContext is the per-execution view handed to handlers.
type JobContext struct {
	Job *store.Job

	pool     *Pool
	workerID string
}

// Emit appends and publishes a non-terminal event on the job's stream.
func (j *JobContext) Emit(ctx context.Context, eventType string, payload any) error {
	_, err := j.pool.bus.Emit(ctx, j.Job.ID, eventType, payload)
	return err
}

// Progress records handler progress (0-100) and emits job.progress.
func (j *JobContext) Progress(ctx context.Context, pct int, note string) {
	if err := j.pool.store.SetProgress(ctx, j.Job.ID, j.workerID, pct); err != nil {
		j.pool.logger.Debug("set progress", zap.String("job_id", j.Job.ID), zap.Error(err))
	}
	payload := map[string]any{"pct": pct}
	if note != "" {
		payload["note"] = note
	}
	if err := j.Emit(ctx, store.EventJobProgress, payload); err != nil {
		j.pool.logger.Debug("emit progress", zap.String("job_id", j.Job.ID), zap.Error(err))
	}
}

// Options tunes the pool.
type Options struct {
	// Concurrency is the fixed worker count (default 4).
	Concurrency int
	// LeaseTimeout bounds exclusive ownership (default 30s).
	LeaseTimeout time.Duration
	// HeartbeatInterval extends the lease while a handler runs (default 2s).
	HeartbeatInterval time.Duration
	// PollInterval is the idle claim retry interval (default 500ms).
	PollInterval time.Duration
	// MaxAttempts caps total attempts per job (default 3).
	MaxAttempts int
}

func (o *Options) fill() {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = 30 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 2 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
}

// Pool drains the queue with a fixed number of workers.
type Pool struct {
	store   *store.Store
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	opts    Options

	mu       sync.Mutex
	handlers map[string]Handler
	cancels  map[string]context.CancelFunc

	wg sync.WaitGroup
}

// New creates a pool. Register handlers before Start.
func New(st *store.Store, bus *events.Bus, m *metrics.Metrics, opts Options, logger *zap.Logger) *Pool {
	opts.fill()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		store:    st,
		bus:      bus,
		metrics:  m,
		logger:   logger.Named("worker"),
		opts:     opts,
		handlers: make(map[string]Handler),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Register binds a handler to a job kind.
func (p *Pool) Register(kind string, h Handler) {
	p.mu.Lock()
	p.handlers[kind] = h
	p.mu.Unlock()
}

// Start launches the workers. They stop when ctx is canceled; Wait
// blocks until in-flight jobs have drained.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.opts.Concurrency; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx, workerID)
		}()
	}
	p.logger.Info("worker pool started", zap.Int("concurrency", p.opts.Concurrency))
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() { p.wg.Wait() }

// Cancel cancels the in-process execution of a job this pool owns.
// Returns false when no worker here is running it.
func (p *Pool) Cancel(jobID string) bool {
	p.mu.Lock()
	cancel, ok := p.cancels[jobID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (p *Pool) run(ctx context.Context, workerID string) {
	logger := p.logger.With(zap.String("worker_id", workerID))
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := p.store.ClaimNext(ctx, workerID, p.opts.LeaseTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("claim failed", zap.Error(err))
		}
		if job == nil {
			// Jittered idle poll so workers do not thunder on the store.
			idle := p.opts.PollInterval + time.Duration(rand.Int63n(int64(p.opts.PollInterval)/2+1))
			select {
			case <-ctx.Done():
				return
			case <-time.After(idle):
			}
			continue
		}

		p.execute(ctx, logger, workerID, job)
	}
}

func (p *Pool) execute(ctx context.Context, logger *zap.Logger, workerID string, job *store.Job) {
	logger = logger.With(zap.String("job_id", job.ID), zap.String("kind", job.Kind),
		zap.Int("attempt", job.AttemptCount))

	if p.metrics != nil {
		p.metrics.JobsInFlight.Inc()
		defer p.metrics.JobsInFlight.Dec()
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	p.cancels[job.ID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.cancels, job.ID)
		p.mu.Unlock()
	}()

	// A cancel requested while the job sat in the queue (or before a
	// crashed worker's lease expired) terminates it without running.
	if job.CancelRequested {
		p.finish(ctx, logger, workerID, job, store.StatusCanceled, nil,
			store.EventJobCanceled, map[string]any{"reason": "client request"})
		return
	}

	handler, ok := p.handler(job.Kind)
	if !ok {
		rec := errs.Record{Kind: errs.KindInvalidParams, Message: fmt.Sprintf("unknown job kind %q", job.Kind)}
		p.finish(ctx, logger, workerID, job, store.StatusFailed, nil, store.EventJobFailed, rec)
		return
	}

	if err := p.store.MarkRunning(ctx, job.ID, workerID); err != nil {
		logger.Warn("mark running failed, abandoning claim", zap.Error(err))
		return
	}

	// job.started is emitted once per job, not per attempt, so a
	// re-claimed job's stream shows a single start.
	if job.AttemptCount == 1 {
		if _, err := p.bus.Emit(ctx, job.ID, store.EventJobStarted, map[string]any{
			"kind": job.Kind, "params": job.Params,
		}); err != nil {
			logger.Warn("emit job.started", zap.Error(err))
		}
	}

	stopHeartbeat := p.heartbeat(ctx, job.ID, workerID, cancel)
	started := time.Now()

	// The job span parents every stage and LLM span the handler opens.
	execCtx, span := telemetry.StartJobSpan(jobCtx, job.Kind, job.ID, job.AttemptCount)
	result, err := handler(execCtx, &JobContext{Job: job, pool: p, workerID: workerID})
	if err != nil {
		span.RecordError(err)
	}
	span.End()

	stopHeartbeat()
	logger = logger.With(zap.Duration("elapsed", time.Since(started)))

	switch {
	case err == nil:
		p.finish(ctx, logger, workerID, job, store.StatusSucceeded, result,
			store.EventJobSucceeded, result)

	case errs.IsCanceled(err) || (jobCtx.Err() != nil && ctx.Err() == nil):
		p.finish(ctx, logger, workerID, job, store.StatusCanceled, nil,
			store.EventJobCanceled, map[string]any{"reason": "canceled during execution"})

	case ctx.Err() != nil:
		// Shutdown: leave the lease to expire so another worker resumes.
		logger.Info("job interrupted by shutdown, releasing")

	case errs.RetryRequested(err) && job.AttemptCount < p.opts.MaxAttempts:
		logger.Warn("re-queueing job at handler request", zap.Error(err))
		if rqErr := p.store.Requeue(ctx, job.ID, workerID); rqErr != nil {
			logger.Warn("requeue failed", zap.Error(rqErr))
		}

	default:
		logger.Warn("job failed", zap.Error(err))
		p.finish(ctx, logger, workerID, job, store.StatusFailed, nil,
			store.EventJobFailed, errs.RecordOf(err))
	}
}

func (p *Pool) handler(kind string) (Handler, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handlers[kind]
	return h, ok
}

// heartbeat extends the lease on an interval and cancels the job context
// when ownership is lost or a client cancel lands mid-flight.
func (p *Pool) heartbeat(ctx context.Context, jobID, workerID string, cancel context.CancelFunc) (stop func()) {
	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(p.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := p.store.Heartbeat(ctx, jobID, workerID, p.opts.LeaseTimeout)
				if err != nil {
					p.logger.Warn("heartbeat failed", zap.String("job_id", jobID), zap.Error(err))
					continue
				}
				if !ok {
					p.logger.Warn("lease lost, canceling execution", zap.String("job_id", jobID))
					cancel()
					return
				}
				if job, err := p.store.GetJob(ctx, jobID); err == nil && job.CancelRequested {
					cancel()
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// finish writes the terminal state and terminal event atomically, then
// publishes the event. An ownership failure means another worker took
// over after lease expiry; the claim is simply abandoned.
func (p *Pool) finish(ctx context.Context, logger *zap.Logger, workerID string, job *store.Job, terminal string, result json.RawMessage, eventType string, payload any) {
	evt, err := p.store.FinishJob(ctx, job.ID, workerID, terminal, result, eventType, payload)
	if err != nil {
		if errs.IsNotFound(err) {
			logger.Warn("job no longer owned, abandoning", zap.String("terminal", terminal))
			return
		}
		logger.Error("terminal write failed", zap.String("terminal", terminal), zap.Error(err))
		return
	}
	p.bus.Publish(evt)

	if p.metrics != nil {
		p.metrics.JobsTotal.WithLabelValues(job.Kind, terminal).Inc()
		start := job.CreatedAt
		if job.StartedAt != nil {
			start = *job.StartedAt
		}
		p.metrics.JobDurationSeconds.WithLabelValues(job.Kind).
			Observe(time.Since(start).Seconds())
	}
	logger.Info("job finished", zap.String("status", terminal))
}
