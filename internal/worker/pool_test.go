package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/peregrine-ai/researchd/internal/errs"
	"github.com/peregrine-ai/researchd/internal/events"
	"github.com/peregrine-ai/researchd/internal/store"
)

func newTestPool(t *testing.T, opts Options) (*Pool, *store.Store, *events.Bus) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "pool.db"), store.Options{VectorDim: 4}, zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := events.New(st, events.Options{}, zap.NewNop())
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	return New(st, bus, nil, opts, zap.NewNop()), st, bus
}

func submit(t *testing.T, st *store.Store, kind, key string) string {
	t.Helper()
	id, _, err := st.InsertJob(context.Background(), kind,
		json.RawMessage(`{"query":"q"}`), key, time.Hour, 3)
	if err != nil {
		t.Fatalf("insert job: %v", err)
	}
	return id
}

func waitTerminal(t *testing.T, st *store.Store, jobID string, deadline time.Duration) *store.Job {
	t.Helper()
	stop := time.Now().Add(deadline)
	for time.Now().Before(stop) {
		job, err := st.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if store.IsTerminal(job.Status) {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal status", jobID)
	return nil
}

func TestPoolRunsJobToSuccess(t *testing.T) {
	pool, st, _ := newTestPool(t, Options{Concurrency: 2})
	pool.Register(store.KindResearch, func(ctx context.Context, j *JobContext) (json.RawMessage, error) {
		j.Progress(ctx, 50, "halfway")
		return json.RawMessage(`{"report_id":1}`), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer pool.Wait()
	defer cancel()
	pool.Start(ctx)

	id := submit(t, st, store.KindResearch, "ok-key")
	job := waitTerminal(t, st, id, 5*time.Second)
	if job.Status != store.StatusSucceeded {
		t.Fatalf("status = %s", job.Status)
	}
	if string(job.Result) != `{"report_id":1}` {
		t.Errorf("result = %s", job.Result)
	}

	evts, err := st.ReadEvents(context.Background(), id, 0, 100)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	var starts, succ int
	for _, e := range evts {
		switch e.Type {
		case store.EventJobStarted:
			starts++
		case store.EventJobSucceeded:
			succ++
		}
	}
	if starts != 1 || succ != 1 {
		t.Errorf("starts=%d succeeded=%d, want 1/1", starts, succ)
	}
}

func TestPoolRetriesWhenHandlerRequests(t *testing.T) {
	pool, st, _ := newTestPool(t, Options{Concurrency: 1, MaxAttempts: 3})

	var attempts atomic.Int32
	pool.Register(store.KindResearch, func(context.Context, *JobContext) (json.RawMessage, error) {
		if attempts.Add(1) < 3 {
			return nil, errs.RequestRetry(errs.New(errs.KindTransient, "upstream flaked"))
		}
		return json.RawMessage(`{}`), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer pool.Wait()
	defer cancel()
	pool.Start(ctx)

	id := submit(t, st, store.KindResearch, "flaky-key")
	job := waitTerminal(t, st, id, 10*time.Second)
	if job.Status != store.StatusSucceeded {
		t.Fatalf("status = %s after %d attempts", job.Status, attempts.Load())
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("handler ran %d times, want 3", got)
	}
}

func TestPoolFailsAfterAttemptBudget(t *testing.T) {
	pool, st, _ := newTestPool(t, Options{Concurrency: 1, MaxAttempts: 2})

	var attempts atomic.Int32
	pool.Register(store.KindResearch, func(context.Context, *JobContext) (json.RawMessage, error) {
		attempts.Add(1)
		return nil, errs.RequestRetry(errs.New(errs.KindTransient, "always down"))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer pool.Wait()
	defer cancel()
	pool.Start(ctx)

	id := submit(t, st, store.KindResearch, "down-key")
	job := waitTerminal(t, st, id, 10*time.Second)
	if job.Status != store.StatusFailed {
		t.Fatalf("status = %s", job.Status)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("handler ran %d times, want 2", got)
	}
}

func TestPoolTransientErrorWithoutRetryRequestFails(t *testing.T) {
	pool, st, _ := newTestPool(t, Options{Concurrency: 1, MaxAttempts: 3})

	var attempts atomic.Int32
	pool.Register(store.KindResearch, func(context.Context, *JobContext) (json.RawMessage, error) {
		attempts.Add(1)
		return nil, errs.New(errs.KindTransient, "provider 503")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer pool.Wait()
	defer cancel()
	pool.Start(ctx)

	// Transient classification alone never re-queues; the handler must
	// ask for it explicitly.
	id := submit(t, st, store.KindResearch, "transient-key")
	job := waitTerminal(t, st, id, 5*time.Second)
	if job.Status != store.StatusFailed {
		t.Fatalf("status = %s", job.Status)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("handler ran %d times, want 1", got)
	}
	if job.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", job.AttemptCount)
	}

	evts, _ := st.ReadEvents(context.Background(), id, 0, 100)
	var rec errs.Record
	if err := json.Unmarshal(evts[len(evts)-1].Payload, &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.Kind != errs.KindTransient {
		t.Errorf("record kind = %s, want transient", rec.Kind)
	}
}

func TestPoolFatalErrorDoesNotRetry(t *testing.T) {
	pool, st, _ := newTestPool(t, Options{Concurrency: 1, MaxAttempts: 3})

	var attempts atomic.Int32
	pool.Register(store.KindResearch, func(context.Context, *JobContext) (json.RawMessage, error) {
		attempts.Add(1)
		return nil, errs.New(errs.KindFatal, "bad model id")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer pool.Wait()
	defer cancel()
	pool.Start(ctx)

	id := submit(t, st, store.KindResearch, "fatal-key")
	job := waitTerminal(t, st, id, 5*time.Second)
	if job.Status != store.StatusFailed {
		t.Fatalf("status = %s", job.Status)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("handler ran %d times, want 1", got)
	}

	// The failure record lands in the terminal event payload.
	evts, _ := st.ReadEvents(context.Background(), id, 0, 100)
	last := evts[len(evts)-1]
	if last.Type != store.EventJobFailed {
		t.Fatalf("last event = %s", last.Type)
	}
	var rec errs.Record
	if err := json.Unmarshal(last.Payload, &rec); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if rec.Kind != errs.KindFatal || rec.Message != "bad model id" {
		t.Errorf("record = %+v", rec)
	}
}

func TestPoolUnknownKindFails(t *testing.T) {
	pool, st, _ := newTestPool(t, Options{Concurrency: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer pool.Wait()
	defer cancel()
	pool.Start(ctx)

	id := submit(t, st, "mystery", "mystery-key")
	job := waitTerminal(t, st, id, 5*time.Second)
	if job.Status != store.StatusFailed {
		t.Fatalf("status = %s", job.Status)
	}
}

func TestPoolCooperativeCancel(t *testing.T) {
	pool, st, _ := newTestPool(t, Options{
		Concurrency:       1,
		HeartbeatInterval: 20 * time.Millisecond,
	})

	running := make(chan struct{})
	pool.Register(store.KindResearch, func(ctx context.Context, _ *JobContext) (json.RawMessage, error) {
		close(running)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer pool.Wait()
	defer cancel()
	pool.Start(ctx)

	id := submit(t, st, store.KindResearch, "cancel-key")
	<-running

	if _, err := st.RequestCancel(context.Background(), id); err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	// The heartbeat observes cancel_requested and cancels the handler.
	job := waitTerminal(t, st, id, 5*time.Second)
	if job.Status != store.StatusCanceled {
		t.Fatalf("status = %s, want canceled", job.Status)
	}
}

func TestPoolCancelBeforeRun(t *testing.T) {
	pool, st, _ := newTestPool(t, Options{Concurrency: 1})

	var ran atomic.Bool
	pool.Register(store.KindResearch, func(context.Context, *JobContext) (json.RawMessage, error) {
		ran.Store(true)
		return json.RawMessage(`{}`), nil
	})

	// Cancel while the job sits in the queue, then start the pool.
	id := submit(t, st, store.KindResearch, "preempt-key")
	if _, err := st.RequestCancel(context.Background(), id); err != nil {
		t.Fatalf("request cancel: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer pool.Wait()
	defer cancel()
	pool.Start(ctx)

	job := waitTerminal(t, st, id, 5*time.Second)
	if job.Status != store.StatusCanceled {
		t.Fatalf("status = %s, want canceled", job.Status)
	}
	if ran.Load() {
		t.Error("handler ran for a pre-canceled job")
	}
}

func TestPoolOpensJobSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	pool, st, _ := newTestPool(t, Options{Concurrency: 1})
	pool.Register(store.KindResearch, func(context.Context, *JobContext) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer pool.Wait()
	defer cancel()
	pool.Start(ctx)

	id := submit(t, st, store.KindResearch, "span-key")
	waitTerminal(t, st, id, 5*time.Second)

	var found bool
	for _, s := range exporter.GetSpans() {
		if s.Name != "job.run" {
			continue
		}
		found = true
		var kind, jobID string
		for _, a := range s.Attributes {
			switch string(a.Key) {
			case "researchd.job_kind":
				kind = a.Value.AsString()
			case "researchd.job_id":
				jobID = a.Value.AsString()
			}
		}
		if kind != store.KindResearch || jobID != id {
			t.Errorf("job.run span attributes: kind=%q job_id=%q", kind, jobID)
		}
	}
	if !found {
		t.Error("no job.run span recorded for the executed job")
	}
}

func TestPoolRecoversExpiredLease(t *testing.T) {
	pool, st, _ := newTestPool(t, Options{Concurrency: 1})

	// Simulate a crashed worker: claim with a tiny lease and never finish.
	id := submit(t, st, store.KindResearch, "crash-key")
	if _, err := st.ClaimNext(context.Background(), "crashed-worker", 20*time.Millisecond); err != nil {
		t.Fatalf("claim: %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	var attempt atomic.Int32
	pool.Register(store.KindResearch, func(_ context.Context, j *JobContext) (json.RawMessage, error) {
		attempt.Store(int32(j.Job.AttemptCount))
		return json.RawMessage(`{}`), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer pool.Wait()
	defer cancel()
	pool.Start(ctx)

	job := waitTerminal(t, st, id, 5*time.Second)
	if job.Status != store.StatusSucceeded {
		t.Fatalf("status = %s", job.Status)
	}
	if got := attempt.Load(); got != 2 {
		t.Errorf("recovered attempt = %d, want 2", got)
	}

	// Re-claimed jobs must not duplicate job.started.
	evts, _ := st.ReadEvents(context.Background(), id, 0, 100)
	var starts int
	for _, e := range evts {
		if e.Type == store.EventJobStarted {
			starts++
		}
	}
	if starts != 0 {
		t.Errorf("job.started emitted %d times on a re-claim, want 0", starts)
	}
}
