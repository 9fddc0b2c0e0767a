// Package pipeline implements the job handlers: the three-stage research
// pipeline (plan, parallel sub-research, synthesis) with token streaming,
// plus the followup, batch, index, and ingest kinds. Handlers attach to
// the worker pool by job kind.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/peregrine-ai/researchd/internal/cache"
	"github.com/peregrine-ai/researchd/internal/dispatch"
	"github.com/peregrine-ai/researchd/internal/embed"
	"github.com/peregrine-ai/researchd/internal/errs"
	"github.com/peregrine-ai/researchd/internal/events"
	"github.com/peregrine-ai/researchd/internal/metrics"
	"github.com/peregrine-ai/researchd/internal/provider"
	"github.com/peregrine-ai/researchd/internal/store"
	"github.com/peregrine-ai/researchd/internal/worker"
)

// Submitter inserts new jobs on behalf of a running handler. The batch
// handler uses it to fan out child research jobs.
type Submitter interface {
	Submit(ctx context.Context, kind string, params json.RawMessage, clientKey string) (jobID string, existing bool, err error)
}

// Options tunes the pipeline.
type Options struct {
	// MaxAgents caps the planner fan-out (default 5).
	MaxAgents int
	// Parallelism bounds concurrent sub-research tasks (default 4).
	Parallelism int
	// ContextReports is how many prior-report snippets feed the planner
	// (default 3).
	ContextReports int
	// Model is the model id for high cost preference (and the fallback).
	Model string
	// LowCostModel is the model id for low cost preference.
	LowCostModel string
	// FingerprintLen is the cache fingerprint hex length (default 16).
	FingerprintLen int
	// Weights and BM25 tune the context retrieval read path.
	Weights store.Weights
	BM25    store.BM25Params
}

func (o *Options) fill() {
	if o.MaxAgents <= 0 {
		o.MaxAgents = 5
	}
	if o.Parallelism <= 0 {
		o.Parallelism = 4
	}
	if o.ContextReports <= 0 {
		o.ContextReports = 3
	}
	if o.Model == "" {
		o.Model = "default"
	}
	if o.LowCostModel == "" {
		o.LowCostModel = o.Model
	}
	if o.FingerprintLen <= 0 {
		o.FingerprintLen = dispatch.DefaultFingerprintLen
	}
	if o.Weights.BM25 == 0 && o.Weights.Vec == 0 {
		o.Weights = store.Weights{BM25: 0.7, Vec: 0.3}
	}
}

// Pipeline holds the handler dependencies.
type Pipeline struct {
	store    *store.Store
	cache    *cache.Cache
	embedder embed.Embedder
	provider provider.Provider
	bus      *events.Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
	opts     Options

	// submitter is wired after construction to break the dispatch cycle.
	submitter Submitter
}

// New creates the pipeline.
func New(st *store.Store, ca *cache.Cache, em embed.Embedder, pr provider.Provider, bus *events.Bus, m *metrics.Metrics, opts Options, logger *zap.Logger) *Pipeline {
	opts.fill()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:    st,
		cache:    ca,
		embedder: em,
		provider: pr,
		bus:      bus,
		metrics:  m,
		logger:   logger.Named("pipeline"),
		tracer:   otel.Tracer("researchd/pipeline"),
		opts:     opts,
	}
}

// SetSubmitter wires the dispatcher used for batch fan-out.
func (p *Pipeline) SetSubmitter(s Submitter) { p.submitter = s }

// RegisterAll attaches every handler to the pool.
func (p *Pipeline) RegisterAll(pool *worker.Pool) {
	pool.Register(store.KindResearch, p.Research)
	pool.Register(store.KindFollowup, p.Followup)
	pool.Register(store.KindBatch, p.Batch)
	pool.Register(store.KindIndex, p.Index)
	pool.Register(store.KindIngest, p.Ingest)
}

// ResearchParams are the validated parameters of a research job.
type ResearchParams struct {
	Query          string   `json:"query"`
	CostPreference string   `json:"costPreference,omitempty"`
	AudienceLevel  string   `json:"audienceLevel,omitempty"`
	OutputFormat   string   `json:"outputFormat,omitempty"`
	IncludeSources *bool    `json:"includeSources,omitempty"`
	TextDocuments  []string `json:"textDocuments,omitempty"`
}

func (rp *ResearchParams) fill() {
	if rp.CostPreference == "" {
		rp.CostPreference = "low"
	}
	if rp.AudienceLevel == "" {
		rp.AudienceLevel = "intermediate"
	}
	if rp.OutputFormat == "" {
		rp.OutputFormat = "report"
	}
}

// ResearchResult is the terminal result payload of a research job.
type ResearchResult struct {
	ReportID     int64          `json:"report_id"`
	Report       string         `json:"report"`
	SubQueries   []string       `json:"sub_queries"`
	Succeeded    int            `json:"succeeded"`
	FailedSubIDs []int          `json:"failed_sub_ids,omitempty"`
	Usage        provider.Usage `json:"usage"`
}

// Research runs the full three-stage pipeline, short-circuited by the
// result cache. Concurrent builds of the same fingerprint collapse onto
// one execution.
func (p *Pipeline) Research(ctx context.Context, jc *worker.JobContext) (json.RawMessage, error) {
	var params ResearchParams
	if err := json.Unmarshal(jc.Job.Params, &params); err != nil || strings.TrimSpace(params.Query) == "" {
		return nil, errs.New(errs.KindInvalidParams, "research job requires a query")
	}
	params.fill()

	fingerprint := dispatch.Fingerprint(store.KindResearch, jc.Job.Params, p.opts.FingerprintLen)

	queryEmbedding, err := p.embedder.Embed(ctx, params.Query)
	if err != nil {
		// Degrade: run without semantic cache and without a stored vector.
		p.logger.Warn("query embedding failed", zap.String("job_id", jc.Job.ID), zap.Error(err))
		queryEmbedding = nil
	}

	built := false
	result, shared, err := p.cache.Do(ctx, fingerprint, func(ctx context.Context) (json.RawMessage, error) {
		hit, err := p.cache.Lookup(ctx, fingerprint, store.KindResearch, queryEmbedding)
		if err != nil {
			p.logger.Warn("cache lookup failed", zap.String("job_id", jc.Job.ID), zap.Error(err))
		}
		if hit != nil {
			p.countCacheHit(hit.Semantic)
			_ = jc.Emit(ctx, store.EventCacheHit, hit)
			return hit.Result, nil
		}
		if p.metrics != nil {
			p.metrics.CacheMissesTotal.Inc()
		}

		built = true
		out, err := p.runResearch(ctx, jc, &params)
		if err != nil {
			return nil, err
		}
		p.cache.Fill(ctx, fingerprint, store.KindResearch, out, queryEmbedding)
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	if shared && !built {
		// Another job's in-flight build produced this result.
		p.countCacheHit(false)
		_ = jc.Emit(ctx, store.EventCacheHit, map[string]any{
			"fingerprint": fingerprint, "single_flight": true,
		})
	}
	return result, nil
}

type subResult struct {
	query   string
	content string
	err     error
}

// runResearch executes plan, parallel sub-research, and synthesis.
func (p *Pipeline) runResearch(ctx context.Context, jc *worker.JobContext, params *ResearchParams) (json.RawMessage, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.research",
		trace.WithAttributes(attribute.String("job.id", jc.Job.ID)))
	defer span.End()

	var usage provider.Usage
	var usageMu sync.Mutex
	addUsage := func(u provider.Usage) {
		usageMu.Lock()
		usage.Add(u)
		usageMu.Unlock()
	}

	// Stage 1: plan.
	subQueries, err := p.plan(ctx, jc, params, addUsage)
	if err != nil {
		return nil, retryTransient(errs.WithStage(err, "plan"))
	}
	jc.Progress(ctx, 20, "planned "+fmt.Sprint(len(subQueries))+" sub-queries")

	// Stage 2: parallel sub-research under the semaphore bound. A failed
	// sub-task is recorded, never fatal for its siblings.
	results := make([]subResult, len(subQueries))
	sem := semaphore.NewWeighted(int64(p.opts.Parallelism))
	var wg sync.WaitGroup
	for i, sq := range subQueries {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, errs.WithStage(errs.Wrap(errs.KindCanceled, "canceled while scheduling", err), "research")
		}
		wg.Add(1)
		go func(i int, sq string) {
			defer wg.Done()
			defer sem.Release(1)
			content, err := p.subResearch(ctx, jc, i, sq, params, addUsage)
			results[i] = subResult{query: sq, content: content, err: err}
		}(i, sq)
	}
	wg.Wait()
	if ctx.Err() != nil {
		return nil, errs.WithStage(errs.Wrap(errs.KindCanceled, "canceled during sub-research", ctx.Err()), "research")
	}

	succeeded := 0
	var failedIDs []int
	for i, r := range results {
		if r.err == nil {
			succeeded++
		} else {
			failedIDs = append(failedIDs, i)
		}
	}
	// Proceed only when at least half of the sub-queries produced results.
	if 2*succeeded < len(results) {
		return nil, errs.WithStage(errs.Newf(errs.KindPartialFailure,
			"%d of %d sub-queries succeeded", succeeded, len(results)), "research")
	}
	jc.Progress(ctx, 70, "sub-research complete")

	// Stage 3: synthesis over the successful subset.
	report, err := p.synthesize(ctx, jc, params, results, addUsage)
	if err != nil {
		return nil, retryTransient(errs.WithStage(err, "synthesis"))
	}
	jc.Progress(ctx, 90, "synthesis complete")

	metadata, _ := json.Marshal(map[string]any{
		"cost_preference": params.CostPreference,
		"audience_level":  params.AudienceLevel,
		"output_format":   params.OutputFormat,
		"sub_queries":     subQueries,
		"failed_sub_ids":  failedIDs,
		"usage":           usage,
	})
	queryEmbedding, embErr := p.embedder.Embed(ctx, params.Query)
	if embErr != nil {
		queryEmbedding = nil
	}
	reportID, err := p.store.InsertReport(ctx, params.Query, report, queryEmbedding, metadata)
	if err != nil {
		return nil, errs.WithStage(err, "persist")
	}

	span.SetAttributes(
		attribute.Int64("gen_ai.usage.input_tokens", usage.InputTokens),
		attribute.Int64("gen_ai.usage.output_tokens", usage.OutputTokens),
	)
	p.countTokens(usage)

	return json.Marshal(ResearchResult{
		ReportID:     reportID,
		Report:       report,
		SubQueries:   subQueries,
		Succeeded:    succeeded,
		FailedSubIDs: failedIDs,
		Usage:        usage,
	})
}

// plan asks the model for sub-queries, seeded with prior-report context.
// An unparseable plan degrades to a single sub-query, never to failure.
func (p *Pipeline) plan(ctx context.Context, jc *worker.JobContext, params *ResearchParams, addUsage func(provider.Usage)) ([]string, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.plan")
	defer span.End()

	_ = jc.Emit(ctx, store.EventToolStarted, map[string]any{"stage": "plan"})

	contextSnippets := p.priorContext(ctx, params.Query)

	prompt := fmt.Sprintf(
		"Decompose the research query into at most %d focused sub-queries.\n"+
			"Respond with a JSON array of strings and nothing else.\n\nQuery: %s",
		p.opts.MaxAgents, params.Query)
	if contextSnippets != "" {
		prompt += "\n\nRelated prior findings:\n" + contextSnippets
	}
	for _, doc := range params.TextDocuments {
		prompt += "\n\nSupplied document:\n" + truncate(doc, 2000)
	}

	resp, err := p.provider.Complete(ctx, &provider.Request{
		System:   "You are a research planner. Output only a JSON array of sub-query strings.",
		Messages: []provider.Message{{Role: "user", Content: prompt}},
		Model:    p.model(params.CostPreference),
	})
	if err != nil {
		return nil, err
	}
	addUsage(resp.Usage)

	subQueries := parsePlan(resp.Content, p.opts.MaxAgents)
	if len(subQueries) == 0 {
		subQueries = []string{params.Query}
	}

	_ = jc.Emit(ctx, store.EventToolCompleted, map[string]any{
		"stage": "plan", "sub_queries": subQueries, "usage": resp.Usage,
	})
	return subQueries, nil
}

// subResearch runs one streamed sub-query, emitting coalesced deltas.
func (p *Pipeline) subResearch(ctx context.Context, jc *worker.JobContext, subID int, query string, params *ResearchParams, addUsage func(provider.Usage)) (string, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.sub_research",
		trace.WithAttributes(attribute.Int("sub_id", subID)))
	defer span.End()

	_ = jc.Emit(ctx, store.EventToolStarted, map[string]any{
		"stage": "research", "sub_id": subID, "query": query,
	})

	emit := newDeltaEmitter(ctx, jc, map[string]any{"stage": "research", "sub_id": subID})
	resp, err := p.provider.Stream(ctx, &provider.Request{
		System: "You are a focused researcher. Answer the sub-query thoroughly " +
			"with concrete facts for a " + params.AudienceLevel + " audience.",
		Messages: []provider.Message{{Role: "user", Content: query}},
		Model:    p.model(params.CostPreference),
	}, emit.deltaFn())
	emit.flush()

	payload := map[string]any{"stage": "research", "sub_id": subID}
	if err != nil {
		payload["error"] = errs.RecordOf(err)
		_ = jc.Emit(ctx, store.EventToolCompleted, payload)
		p.logger.Warn("sub-research failed",
			zap.String("job_id", jc.Job.ID), zap.Int("sub_id", subID), zap.Error(err))
		return "", err
	}
	addUsage(resp.Usage)
	payload["usage"] = resp.Usage
	_ = jc.Emit(ctx, store.EventToolCompleted, payload)
	return resp.Content, nil
}

// synthesize streams the final report over the successful sub-results.
func (p *Pipeline) synthesize(ctx context.Context, jc *worker.JobContext, params *ResearchParams, results []subResult, addUsage func(provider.Usage)) (string, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.synthesis")
	defer span.End()

	_ = jc.Emit(ctx, store.EventToolStarted, map[string]any{"stage": "synthesis"})

	var b strings.Builder
	fmt.Fprintf(&b, "Synthesise a single %s for a %s audience from these findings on %q.\n",
		params.OutputFormat, params.AudienceLevel, params.Query)
	if params.IncludeSources == nil || *params.IncludeSources {
		b.WriteString("Cite which finding supports each claim.\n")
	}
	for i, r := range results {
		if r.err != nil {
			continue
		}
		fmt.Fprintf(&b, "\n## Finding %d: %s\n%s\n", i, r.query, r.content)
	}

	emit := newDeltaEmitter(ctx, jc, map[string]any{"stage": "synthesis"})
	resp, err := p.provider.Stream(ctx, &provider.Request{
		System:   "You are a synthesis writer. Produce the final deliverable only.",
		Messages: []provider.Message{{Role: "user", Content: b.String()}},
		Model:    p.model(params.CostPreference),
	}, emit.deltaFn())
	emit.flush()
	if err != nil {
		_ = jc.Emit(ctx, store.EventToolCompleted, map[string]any{
			"stage": "synthesis", "error": errs.RecordOf(err),
		})
		return "", err
	}
	addUsage(resp.Usage)
	_ = jc.Emit(ctx, store.EventToolCompleted, map[string]any{
		"stage": "synthesis", "usage": resp.Usage,
	})
	return resp.Content, nil
}

// priorContext pulls snippets of related past reports for the planner.
func (p *Pipeline) priorContext(ctx context.Context, query string) string {
	queryEmbedding, err := p.embedder.Embed(ctx, query)
	if err != nil {
		queryEmbedding = nil
	}
	res, err := p.store.HybridSearch(ctx, query, queryEmbedding,
		p.opts.ContextReports, store.ScopeReports, p.opts.Weights, p.opts.BM25)
	if err != nil || len(res.Hits) == 0 {
		return ""
	}
	var b strings.Builder
	for _, hit := range res.Hits {
		fmt.Fprintf(&b, "- %s: %s\n", hit.Title, hit.Snippet)
	}
	return b.String()
}

func (p *Pipeline) model(costPreference string) string {
	if costPreference == "high" {
		return p.opts.Model
	}
	return p.opts.LowCostModel
}

func (p *Pipeline) countTokens(u provider.Usage) {
	if p.metrics == nil {
		return
	}
	name := p.provider.Name()
	p.metrics.TokensUsedTotal.WithLabelValues(name, "input").Add(float64(u.InputTokens))
	p.metrics.TokensUsedTotal.WithLabelValues(name, "output").Add(float64(u.OutputTokens))
}

func (p *Pipeline) countCacheHit(semantic bool) {
	if p.metrics == nil {
		return
	}
	mode := "exact"
	if semantic {
		mode = "semantic"
	}
	p.metrics.CacheHitsTotal.WithLabelValues(mode).Inc()
}

// retryTransient asks the pool to re-queue the job when an upstream
// stage flaked. Anything non-transient stays terminal; the pool never
// re-queues without this mark.
func retryTransient(err error) error {
	if errs.IsTransient(err) {
		return errs.RequestRetry(err)
	}
	return err
}

// parsePlan extracts a JSON string array from model output, tolerating
// surrounding prose and code fences.
func parsePlan(content string, maxAgents int) []string {
	start := strings.IndexByte(content, '[')
	end := strings.LastIndexByte(content, ']')
	if start < 0 || end <= start {
		return nil
	}
	var queries []string
	if err := json.Unmarshal([]byte(content[start:end+1]), &queries); err != nil {
		return nil
	}
	out := queries[:0]
	for _, q := range queries {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	if len(out) > maxAgents {
		out = out[:maxAgents]
	}
	return out
}

// deltaEmitter coalesces token deltas into bounded tool.delta events so
// a chatty stream does not flood the event log. Cancellation still lands
// within one delta boundary.
type deltaEmitter struct {
	ctx  context.Context
	jc   *worker.JobContext
	base map[string]any
	buf  strings.Builder
	last time.Time
}

const (
	deltaFlushBytes    = 256
	deltaFlushInterval = 250 * time.Millisecond
)

func newDeltaEmitter(ctx context.Context, jc *worker.JobContext, base map[string]any) *deltaEmitter {
	return &deltaEmitter{ctx: ctx, jc: jc, base: base, last: time.Now()}
}

func (d *deltaEmitter) deltaFn() func(string) {
	return func(delta string) {
		d.buf.WriteString(delta)
		if d.buf.Len() >= deltaFlushBytes || time.Since(d.last) >= deltaFlushInterval {
			d.flush()
		}
	}
}

func (d *deltaEmitter) flush() {
	if d.buf.Len() == 0 {
		return
	}
	payload := make(map[string]any, len(d.base)+1)
	for k, v := range d.base {
		payload[k] = v
	}
	payload["text"] = d.buf.String()
	_ = d.jc.Emit(d.ctx, store.EventToolDelta, payload)
	d.buf.Reset()
	d.last = time.Now()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
