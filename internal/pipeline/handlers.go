package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/peregrine-ai/researchd/internal/errs"
	"github.com/peregrine-ai/researchd/internal/provider"
	"github.com/peregrine-ai/researchd/internal/store"
	"github.com/peregrine-ai/researchd/internal/worker"
)

// FollowupParams are the parameters of a followup job.
type FollowupParams struct {
	ReportID       int64  `json:"report_id"`
	Question       string `json:"question"`
	CostPreference string `json:"costPreference,omitempty"`
}

// Followup answers a question against a prior report and persists the
// answer as a new report linked to its parent.
func (p *Pipeline) Followup(ctx context.Context, jc *worker.JobContext) (json.RawMessage, error) {
	var params FollowupParams
	if err := json.Unmarshal(jc.Job.Params, &params); err != nil ||
		params.ReportID <= 0 || strings.TrimSpace(params.Question) == "" {
		return nil, errs.New(errs.KindInvalidParams, "followup job requires report_id and question")
	}
	if params.CostPreference == "" {
		params.CostPreference = "low"
	}

	parent, err := p.store.GetReport(ctx, params.ReportID)
	if err != nil {
		return nil, err
	}

	_ = jc.Emit(ctx, store.EventToolStarted, map[string]any{"stage": "followup"})
	emit := newDeltaEmitter(ctx, jc, map[string]any{"stage": "followup"})
	resp, err := p.provider.Stream(ctx, &provider.Request{
		System: "Answer the follow-up question using the report below. " +
			"Say so plainly when the report does not cover the question.",
		Messages: []provider.Message{{Role: "user", Content: fmt.Sprintf(
			"Report on %q:\n%s\n\nFollow-up question: %s",
			parent.OriginalQuery, parent.FinalReport, params.Question)}},
		Model: p.model(params.CostPreference),
	}, emit.deltaFn())
	emit.flush()
	if err != nil {
		_ = jc.Emit(ctx, store.EventToolCompleted, map[string]any{
			"stage": "followup", "error": errs.RecordOf(err),
		})
		return nil, retryTransient(errs.WithStage(err, "followup"))
	}
	_ = jc.Emit(ctx, store.EventToolCompleted, map[string]any{
		"stage": "followup", "usage": resp.Usage,
	})
	p.countTokens(resp.Usage)

	embedding, embErr := p.embedder.Embed(ctx, params.Question)
	if embErr != nil {
		embedding = nil
	}
	metadata, _ := json.Marshal(map[string]any{
		"followup_of": params.ReportID,
		"usage":       resp.Usage,
	})
	reportID, err := p.store.InsertReport(ctx, params.Question, resp.Content, embedding, metadata)
	if err != nil {
		return nil, errs.WithStage(err, "persist")
	}

	return json.Marshal(map[string]any{
		"report_id":        reportID,
		"parent_report_id": params.ReportID,
		"report":           resp.Content,
		"usage":            resp.Usage,
	})
}

// BatchParams are the parameters of a batch job.
type BatchParams struct {
	Queries           []string `json:"queries"`
	CostPreference    string   `json:"costPreference,omitempty"`
	WaitForCompletion bool     `json:"waitForCompletion,omitempty"`
	TimeoutMs         int      `json:"timeoutMs,omitempty"`
}

// Batch fans each query out as a child research job. With
// waitForCompletion it blocks on every child's terminal event (bounded
// by the timeout) and reports per-child outcomes.
func (p *Pipeline) Batch(ctx context.Context, jc *worker.JobContext) (json.RawMessage, error) {
	var params BatchParams
	if err := json.Unmarshal(jc.Job.Params, &params); err != nil || len(params.Queries) == 0 {
		return nil, errs.New(errs.KindInvalidParams, "batch job requires queries")
	}
	if len(params.Queries) > 10 {
		return nil, errs.New(errs.KindInvalidParams, "batch is limited to 10 queries")
	}
	if p.submitter == nil {
		return nil, errs.New(errs.KindFatal, "batch fan-out is not wired")
	}
	if params.TimeoutMs <= 0 {
		params.TimeoutMs = 300000
	}

	jobIDs := make([]string, 0, len(params.Queries))
	for i, q := range params.Queries {
		childParams, _ := json.Marshal(ResearchParams{
			Query:          q,
			CostPreference: params.CostPreference,
		})
		childID, existing, err := p.submitter.Submit(ctx, store.KindResearch, childParams, "")
		if err != nil {
			return nil, errs.WithStage(err, "fan-out")
		}
		jobIDs = append(jobIDs, childID)
		_ = jc.Emit(ctx, store.EventToolStarted, map[string]any{
			"stage": "batch", "sub_id": i, "child_job_id": childID, "existing": existing,
		})
	}
	jc.Progress(ctx, 30, "children submitted")

	if !params.WaitForCompletion {
		return json.Marshal(map[string]any{"batch": map[string]any{"jobIds": jobIDs}})
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(params.TimeoutMs)*time.Millisecond)
	defer cancel()

	statuses := make(map[string]string, len(jobIDs))
	for _, childID := range jobIDs {
		status, err := p.awaitTerminal(waitCtx, childID)
		if err != nil {
			statuses[childID] = "timeout"
			continue
		}
		statuses[childID] = status
	}
	return json.Marshal(map[string]any{
		"batch": map[string]any{"jobIds": jobIDs, "statuses": statuses},
	})
}

// awaitTerminal blocks until a job's terminal event arrives.
func (p *Pipeline) awaitTerminal(ctx context.Context, jobID string) (string, error) {
	sub, err := p.bus.Subscribe(ctx, jobID, 0)
	if err != nil {
		return "", err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case evt, ok := <-sub.Events():
			if !ok {
				// Stream closed without a terminal event; read the row.
				job, err := p.store.GetJob(ctx, jobID)
				if err != nil {
					return "", err
				}
				return job.Status, nil
			}
			switch evt.Type {
			case store.EventJobSucceeded:
				return store.StatusSucceeded, nil
			case store.EventJobFailed:
				return store.StatusFailed, nil
			case store.EventJobCanceled:
				return store.StatusCanceled, nil
			}
		}
	}
}

// IndexParams are the parameters of an index job.
type IndexParams struct {
	// SourceType limits re-indexing to one source type ("" means all).
	SourceType string `json:"source_type,omitempty"`
}

// Index re-embeds and re-indexes stored documents, refreshing their
// vectors and BM25 lengths after an embedder or truncation change.
func (p *Pipeline) Index(ctx context.Context, jc *worker.JobContext) (json.RawMessage, error) {
	var params IndexParams
	_ = json.Unmarshal(jc.Job.Params, &params)

	docs, err := p.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}

	reindexed := 0
	for i, doc := range docs {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.KindCanceled, "canceled during re-index", ctx.Err())
		}
		if params.SourceType != "" && doc.SourceType != params.SourceType {
			continue
		}
		embedding, err := p.embedder.Embed(ctx, doc.Content)
		if err != nil {
			p.logger.Warn("re-embed failed", zap.String("source_id", doc.SourceID), zap.Error(err))
			continue
		}
		doc.Embedding = embedding
		doc.DocLen = 0 // recomputed from the tokenised content on upsert
		if err := p.store.UpsertDocument(ctx, doc); err != nil {
			return nil, err
		}
		reindexed++
		if len(docs) > 0 && i%16 == 15 {
			jc.Progress(ctx, 100*i/len(docs), "")
		}
	}
	return json.Marshal(map[string]any{"reindexed": reindexed})
}

// IngestParams are the parameters of an ingest job.
type IngestParams struct {
	Documents []IngestDocument `json:"documents"`
}

// IngestDocument is one document to add to the index.
type IngestDocument struct {
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`
	Title      string `json:"title,omitempty"`
	Content    string `json:"content"`
}

// Ingest embeds and indexes new documents.
func (p *Pipeline) Ingest(ctx context.Context, jc *worker.JobContext) (json.RawMessage, error) {
	var params IngestParams
	if err := json.Unmarshal(jc.Job.Params, &params); err != nil || len(params.Documents) == 0 {
		return nil, errs.New(errs.KindInvalidParams, "ingest job requires documents")
	}

	contents := make([]string, len(params.Documents))
	for i, doc := range params.Documents {
		contents[i] = doc.Content
	}
	// Upserts are idempotent, so a re-queued attempt redoes them safely.
	embeddings, err := p.embedder.EmbedMany(ctx, contents)
	if err != nil {
		return nil, retryTransient(errs.WithStage(err, "embed"))
	}

	for i, doc := range params.Documents {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.KindCanceled, "canceled during ingest", ctx.Err())
		}
		err := p.store.UpsertDocument(ctx, store.Document{
			SourceType: doc.SourceType,
			SourceID:   doc.SourceID,
			Title:      doc.Title,
			Content:    doc.Content,
			Embedding:  embeddings[i],
		})
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(map[string]any{"ingested": len(params.Documents)})
}
