// Package dispatch is the job API: it validates tool parameters against
// per-kind schemas, resolves idempotency fingerprints, inserts jobs, and
// serves status, cancel, and search. Transports (MCP, HTTP) call into it
// and never touch the store directly.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/peregrine-ai/researchd/internal/embed"
	"github.com/peregrine-ai/researchd/internal/errs"
	"github.com/peregrine-ai/researchd/internal/events"
	"github.com/peregrine-ai/researchd/internal/metrics"
	"github.com/peregrine-ai/researchd/internal/store"
	"github.com/peregrine-ai/researchd/internal/worker"
)

// Options tunes the dispatcher.
type Options struct {
	// IdempotencyWindow bounds how long a fingerprint pins its job
	// (default 1h).
	IdempotencyWindow time.Duration
	// MaxRetries bounds re-submissions of a failed job under the same
	// idempotency key (default 3).
	MaxRetries int
	// FingerprintLen is the computed-key hex length (default 16).
	FingerprintLen int
	// ExternalURL prefixes sse_url/ui_url in job handles.
	ExternalURL string
	// Weights and BM25 tune the search tool.
	Weights store.Weights
	BM25    store.BM25Params
}

func (o *Options) fill() {
	if o.IdempotencyWindow <= 0 {
		o.IdempotencyWindow = time.Hour
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.FingerprintLen <= 0 {
		o.FingerprintLen = DefaultFingerprintLen
	}
	if o.Weights.BM25 == 0 && o.Weights.Vec == 0 {
		o.Weights = store.Weights{BM25: 0.7, Vec: 0.3}
	}
}

// Dispatcher is the job API entry point.
type Dispatcher struct {
	store    *store.Store
	bus      *events.Bus
	pool     *worker.Pool
	embedder embed.Embedder
	metrics  *metrics.Metrics
	logger   *zap.Logger
	opts     Options
	schemas  map[string]*jsonschema.Schema
}

// New creates a dispatcher. The pool reference powers in-process cancel
// delivery and may be nil in tests that never cancel running jobs.
func New(st *store.Store, bus *events.Bus, pool *worker.Pool, em embed.Embedder, m *metrics.Metrics, opts Options, logger *zap.Logger) (*Dispatcher, error) {
	opts.fill()
	if logger == nil {
		logger = zap.NewNop()
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		store:    st,
		bus:      bus,
		pool:     pool,
		embedder: em,
		metrics:  m,
		logger:   logger.Named("dispatch"),
		opts:     opts,
		schemas:  schemas,
	}, nil
}

// JobHandle is the async submission response.
type JobHandle struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Existing bool   `json:"existing"`
	SSEURL   string `json:"sse_url,omitempty"`
	UIURL    string `json:"ui_url,omitempty"`
}

// Submit validates params, resolves the idempotency key, and inserts the
// job (or returns the existing one). A sanitised client key wins over the
// computed fingerprint.
func (d *Dispatcher) Submit(ctx context.Context, kind string, params json.RawMessage, clientKey string) (string, bool, error) {
	if err := d.validate(kind, params); err != nil {
		return "", false, err
	}

	key := SanitizeClientKey(clientKey)
	if key == "" {
		key = Fingerprint(kind, params, d.opts.FingerprintLen)
	}

	jobID, existing, err := d.store.InsertJob(ctx, kind, params, key,
		d.opts.IdempotencyWindow, d.opts.MaxRetries)
	if err != nil {
		return "", false, err
	}
	d.logger.Info("job submitted",
		zap.String("job_id", jobID), zap.String("kind", kind), zap.Bool("existing", existing))
	return jobID, existing, nil
}

// SubmitAsync submits and returns a handle with stream URLs.
func (d *Dispatcher) SubmitAsync(ctx context.Context, kind string, params json.RawMessage, clientKey string) (*JobHandle, error) {
	jobID, existing, err := d.Submit(ctx, kind, params, clientKey)
	if err != nil {
		return nil, err
	}
	handle := &JobHandle{JobID: jobID, Status: store.StatusQueued, Existing: existing}
	if existing {
		if job, err := d.store.GetJob(ctx, jobID); err == nil {
			handle.Status = job.Status
		}
	}
	if d.opts.ExternalURL != "" {
		handle.SSEURL = fmt.Sprintf("%s/api/v1/jobs/%s/events", d.opts.ExternalURL, jobID)
		handle.UIURL = fmt.Sprintf("%s/jobs/%s", d.opts.ExternalURL, jobID)
	}
	return handle, nil
}

// SubmitAndWait submits and blocks until the job is terminal, returning
// the terminal event. The result matches what async subscribers observe.
func (d *Dispatcher) SubmitAndWait(ctx context.Context, kind string, params json.RawMessage, clientKey string) (*store.Job, store.Event, error) {
	jobID, _, err := d.Submit(ctx, kind, params, clientKey)
	if err != nil {
		return nil, store.Event{}, err
	}

	sub, err := d.bus.Subscribe(ctx, jobID, 0)
	if err != nil {
		return nil, store.Event{}, err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil, store.Event{}, ctx.Err()
		case evt, ok := <-sub.Events():
			if !ok {
				// Disconnected before the terminal event; fall back to the row.
				job, err := d.store.GetJob(ctx, jobID)
				if err != nil {
					return nil, store.Event{}, err
				}
				if store.IsTerminal(job.Status) {
					return job, store.Event{}, nil
				}
				return nil, store.Event{}, errs.Newf(errs.KindTransient,
					"event stream for job %s ended early", jobID)
			}
			if store.IsTerminalEvent(evt.Type) {
				job, err := d.store.GetJob(ctx, jobID)
				if err != nil {
					return nil, store.Event{}, err
				}
				return job, evt, nil
			}
		}
	}
}

// StatusView is the get_job_status response. Events is populated only
// for format=events; Result only for format=full.
type StatusView struct {
	JobID        string          `json:"job_id"`
	Kind         string          `json:"kind"`
	Status       string          `json:"status"`
	Progress     int             `json:"progress"`
	AttemptCount int             `json:"attempt_count,omitempty"`
	ReportID     int64           `json:"reportId,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        *errs.Record    `json:"error,omitempty"`
	Events       []store.Event   `json:"events,omitempty"`
	NextEventID  int64           `json:"next_since_event_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// Status returns a job view. Formats: "summary" (default), "full"
// (adds result and attempts), "events" (adds the event page after
// since_event_id, serving polling clients).
func (d *Dispatcher) Status(ctx context.Context, jobID, format string, sinceEventID int64, maxEvents int) (*StatusView, error) {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	view := &StatusView{
		JobID:      job.ID,
		Kind:       job.Kind,
		Status:     job.Status,
		Progress:   job.Progress,
		CreatedAt:  job.CreatedAt,
		FinishedAt: job.FinishedAt,
	}
	if store.IsTerminal(job.Status) {
		view.ReportID = ExtractReportID(job.Result)
	}

	switch format {
	case "", "summary":
	case "full":
		view.AttemptCount = job.AttemptCount
		view.Result = job.Result
		if job.Status == store.StatusFailed && len(job.Result) > 0 {
			var rec errs.Record
			if json.Unmarshal(job.Result, &rec) == nil && rec.Kind != "" {
				view.Error = &rec
			}
		}
	case "events":
		if maxEvents <= 0 {
			maxEvents = 50
		}
		evts, err := d.store.ReadEvents(ctx, jobID, sinceEventID, maxEvents)
		if err != nil {
			return nil, err
		}
		view.Events = evts
		if len(evts) > 0 {
			view.NextEventID = evts[len(evts)-1].ID
		} else {
			view.NextEventID = sinceEventID
		}
	default:
		return nil, errs.Newf(errs.KindInvalidParams, "unknown status format %q", format)
	}
	return view, nil
}

// CancelResult is the cancel_job response.
type CancelResult struct {
	JobID          string `json:"job_id"`
	Cancelled      bool   `json:"cancelled"`
	PreviousStatus string `json:"previous_status"`
}

// Cancel requests cancellation. Queued jobs terminate immediately;
// running jobs get their in-process context canceled and terminate at
// the handler's next check-point. Idempotent on terminal jobs.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) (*CancelResult, error) {
	prior, err := d.store.RequestCancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	res := &CancelResult{JobID: jobID, PreviousStatus: prior.Status}
	if store.IsTerminal(prior.Status) {
		return res, nil
	}
	res.Cancelled = true

	if prior.Status == store.StatusQueued {
		evt, err := d.store.FinishJob(ctx, jobID, "", store.StatusCanceled, nil,
			store.EventJobCanceled, map[string]any{"reason": "client request"})
		if err != nil {
			if errs.IsNotFound(err) {
				// A worker claimed it in the meantime; the flag plus the
				// in-process signal below still lands the cancel.
				if d.pool != nil {
					d.pool.Cancel(jobID)
				}
				return res, nil
			}
			return nil, err
		}
		d.bus.Publish(evt)
		if d.metrics != nil {
			d.metrics.JobsTotal.WithLabelValues(prior.Kind, store.StatusCanceled).Inc()
		}
		return res, nil
	}

	if d.pool != nil {
		d.pool.Cancel(jobID)
	}
	return res, nil
}

// SearchResponse is the search tool response.
type SearchResponse struct {
	Hits     []store.Hit `json:"hits"`
	Degraded bool        `json:"degraded"`
	TookMs   int64       `json:"took_ms"`
}

// Search runs hybrid retrieval over reports and indexed documents.
func (d *Dispatcher) Search(ctx context.Context, query string, k int, scope string) (*SearchResponse, error) {
	if query == "" {
		return nil, errs.New(errs.KindInvalidParams, "search requires q")
	}
	switch scope {
	case "", store.ScopeBoth, store.ScopeReports, store.ScopeDocs:
	default:
		return nil, errs.Newf(errs.KindInvalidParams, "unknown search scope %q", scope)
	}

	start := time.Now()
	queryEmbedding, err := d.embedder.Embed(ctx, query)
	if err != nil {
		d.logger.Warn("search embedding failed, degrading to BM25", zap.Error(err))
		queryEmbedding = nil
	}
	res, err := d.store.HybridSearch(ctx, query, queryEmbedding, k, scope, d.opts.Weights, d.opts.BM25)
	if err != nil {
		return nil, err
	}
	if d.metrics != nil {
		d.metrics.SearchDurationSeconds.Observe(time.Since(start).Seconds())
	}
	return &SearchResponse{
		Hits:     res.Hits,
		Degraded: res.Degraded,
		TookMs:   time.Since(start).Milliseconds(),
	}, nil
}

// RateReport records a 1-5 user rating on a report.
func (d *Dispatcher) RateReport(ctx context.Context, reportID int64, rating int) error {
	return d.store.RateReport(ctx, reportID, rating)
}

var reportIDPattern = regexp.MustCompile(`Report ID:\s*(\d+)`)

// ExtractReportID pulls a report id out of a terminal result payload.
// Best effort: a typed field, then a bare numeric string, then the
// "Report ID: <n>" form inside a text field. Zero means absent, which
// callers must tolerate.
func ExtractReportID(result json.RawMessage) int64 {
	if len(result) == 0 {
		return 0
	}

	var typed struct {
		ReportID  int64           `json:"report_id"`
		ReportID2 int64           `json:"reportId"`
		Report    json.RawMessage `json:"report"`
	}
	if err := json.Unmarshal(result, &typed); err == nil {
		if typed.ReportID > 0 {
			return typed.ReportID
		}
		if typed.ReportID2 > 0 {
			return typed.ReportID2
		}
	}

	var asString string
	if err := json.Unmarshal(result, &asString); err == nil {
		if n, err := strconv.ParseInt(asString, 10, 64); err == nil && n > 0 {
			return n
		}
		if m := reportIDPattern.FindStringSubmatch(asString); m != nil {
			n, _ := strconv.ParseInt(m[1], 10, 64)
			return n
		}
		return 0
	}

	if m := reportIDPattern.FindSubmatch(result); m != nil {
		n, _ := strconv.ParseInt(string(m[1]), 10, 64)
		return n
	}
	return 0
}
