package mcpserver

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/peregrine-ai/researchd/internal/dispatch"
	"github.com/peregrine-ai/researchd/internal/errs"
	"github.com/peregrine-ai/researchd/internal/store"
)

type submitResearchInput struct {
	Query          string            `json:"query" jsonschema:"research question"`
	CostPreference string            `json:"costPreference,omitempty" jsonschema:"low or high (default low)"`
	AudienceLevel  string            `json:"audienceLevel,omitempty" jsonschema:"beginner, intermediate, or expert (default intermediate)"`
	OutputFormat   string            `json:"outputFormat,omitempty" jsonschema:"report, briefing, or bullet_points (default report)"`
	IncludeSources *bool             `json:"includeSources,omitempty" jsonschema:"cite sources in the report (default true)"`
	Images         []json.RawMessage `json:"images,omitempty" jsonschema:"optional image attachments"`
	TextDocuments  []string          `json:"textDocuments,omitempty" jsonschema:"optional text documents to consider"`
	StructuredData []json.RawMessage `json:"structuredData,omitempty" jsonschema:"optional structured data to consider"`
	Async          *bool             `json:"async,omitempty" jsonschema:"return a job handle instead of waiting (default true)"`
	IdempotencyKey string            `json:"idempotency_key,omitempty" jsonschema:"optional client idempotency key"`
}

type followUpInput struct {
	ReportID       int64  `json:"report_id" jsonschema:"id of the report to follow up on"`
	Question       string `json:"question" jsonschema:"follow-up question"`
	CostPreference string `json:"costPreference,omitempty" jsonschema:"low or high (default low)"`
	Async          *bool  `json:"async,omitempty" jsonschema:"return a job handle instead of waiting (default true)"`
}

type batchResearchInput struct {
	Queries           []string `json:"queries" jsonschema:"research queries, at most 10"`
	WaitForCompletion bool     `json:"waitForCompletion,omitempty" jsonschema:"wait for every child job (default false)"`
	TimeoutMs         int      `json:"timeoutMs,omitempty" jsonschema:"wait timeout in milliseconds (default 300000)"`
	CostPreference    string   `json:"costPreference,omitempty" jsonschema:"low or high (default low)"`
}

type jobStatusInput struct {
	JobID        string `json:"job_id" jsonschema:"job identifier"`
	Format       string `json:"format,omitempty" jsonschema:"summary, full, or events (default summary)"`
	SinceEventID int64  `json:"since_event_id,omitempty" jsonschema:"return events after this id (format=events)"`
	MaxEvents    int    `json:"max_events,omitempty" jsonschema:"event page size (default 50)"`
}

type cancelJobInput struct {
	JobID string `json:"job_id" jsonschema:"job identifier"`
}

type searchInput struct {
	Q     string `json:"q" jsonschema:"search query"`
	K     int    `json:"k,omitempty" jsonschema:"number of hits (default 10)"`
	Scope string `json:"scope,omitempty" jsonschema:"both, reports, or docs (default both)"`
}

type ingestInput struct {
	Documents []ingestDocument `json:"documents" jsonschema:"documents to index"`
	Async     bool             `json:"async,omitempty" jsonschema:"return a job handle instead of waiting (default false)"`
}

type ingestDocument struct {
	SourceType string `json:"source_type" jsonschema:"document source type, e.g. note or webpage"`
	SourceID   string `json:"source_id" jsonschema:"stable id within the source type"`
	Title      string `json:"title,omitempty" jsonschema:"optional title"`
	Content    string `json:"content" jsonschema:"document text"`
}

type reindexInput struct {
	SourceType string `json:"source_type,omitempty" jsonschema:"limit re-indexing to one source type"`
	Async      bool   `json:"async,omitempty" jsonschema:"return a job handle instead of waiting (default false)"`
}

type rateReportInput struct {
	ReportID int64 `json:"report_id" jsonschema:"report identifier"`
	Rating   int   `json:"rating" jsonschema:"rating from 1 to 5"`
}

func (s *MCPServer) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "submit_research",
		Description: "Submit a research query; returns a job handle (async) or the finished report (sync)",
	}, s.handleSubmitResearch)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "follow_up_research",
		Description: "Ask a follow-up question against a previous report",
	}, s.handleFollowUp)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "batch_research",
		Description: "Fan out up to 10 research queries as child jobs",
	}, s.handleBatchResearch)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_job_status",
		Description: "Get job status, optionally with the result or an event page",
	}, s.handleJobStatus)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "cancel_job",
		Description: "Request cancellation of a job",
	}, s.handleCancelJob)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "search",
		Description: "Hybrid keyword+vector search over reports and indexed documents",
	}, s.handleSearch)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "ingest_documents",
		Description: "Add documents to the retrieval index",
	}, s.handleIngest)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "reindex_documents",
		Description: "Re-embed and re-index stored documents",
	}, s.handleReindex)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "rate_report",
		Description: "Rate a report from 1 to 5",
	}, s.handleRateReport)
}

func (s *MCPServer) handleSubmitResearch(ctx context.Context, _ *mcp.CallToolRequest, input submitResearchInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.Query) == "" {
		return nil, nil, errs.New(errs.KindInvalidParams, "query is required")
	}

	params := map[string]any{"query": input.Query}
	if input.CostPreference != "" {
		params["costPreference"] = input.CostPreference
	}
	if input.AudienceLevel != "" {
		params["audienceLevel"] = input.AudienceLevel
	}
	if input.OutputFormat != "" {
		params["outputFormat"] = input.OutputFormat
	}
	if input.IncludeSources != nil {
		params["includeSources"] = *input.IncludeSources
	}
	if len(input.Images) > 0 {
		params["images"] = input.Images
	}
	if len(input.TextDocuments) > 0 {
		params["textDocuments"] = input.TextDocuments
	}
	if len(input.StructuredData) > 0 {
		params["structuredData"] = input.StructuredData
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, nil, err
	}

	if input.Async == nil || *input.Async {
		handle, err := s.dispatcher.SubmitAsync(ctx, store.KindResearch, raw, input.IdempotencyKey)
		if err != nil {
			return nil, nil, err
		}
		return jsonToolResult(handle)
	}
	return s.submitAndWait(ctx, store.KindResearch, raw, input.IdempotencyKey)
}

func (s *MCPServer) handleFollowUp(ctx context.Context, _ *mcp.CallToolRequest, input followUpInput) (*mcp.CallToolResult, any, error) {
	params := map[string]any{
		"report_id": input.ReportID,
		"question":  input.Question,
	}
	if input.CostPreference != "" {
		params["costPreference"] = input.CostPreference
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, nil, err
	}

	if input.Async == nil || *input.Async {
		handle, err := s.dispatcher.SubmitAsync(ctx, store.KindFollowup, raw, "")
		if err != nil {
			return nil, nil, err
		}
		return jsonToolResult(handle)
	}
	return s.submitAndWait(ctx, store.KindFollowup, raw, "")
}

func (s *MCPServer) handleBatchResearch(ctx context.Context, _ *mcp.CallToolRequest, input batchResearchInput) (*mcp.CallToolResult, any, error) {
	params := map[string]any{"queries": input.Queries}
	if input.WaitForCompletion {
		params["waitForCompletion"] = true
	}
	if input.TimeoutMs > 0 {
		params["timeoutMs"] = input.TimeoutMs
	}
	if input.CostPreference != "" {
		params["costPreference"] = input.CostPreference
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, nil, err
	}

	// The batch job itself is quick unless waitForCompletion is set, in
	// which case its handler bounds the wait by timeoutMs.
	return s.submitAndWait(ctx, store.KindBatch, raw, "")
}

func (s *MCPServer) handleJobStatus(ctx context.Context, _ *mcp.CallToolRequest, input jobStatusInput) (*mcp.CallToolResult, any, error) {
	view, err := s.dispatcher.Status(ctx, strings.TrimSpace(input.JobID), input.Format, input.SinceEventID, input.MaxEvents)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(view)
}

func (s *MCPServer) handleCancelJob(ctx context.Context, _ *mcp.CallToolRequest, input cancelJobInput) (*mcp.CallToolResult, any, error) {
	res, err := s.dispatcher.Cancel(ctx, strings.TrimSpace(input.JobID))
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(res)
}

func (s *MCPServer) handleSearch(ctx context.Context, _ *mcp.CallToolRequest, input searchInput) (*mcp.CallToolResult, any, error) {
	k := input.K
	if k <= 0 {
		k = 10
	}
	res, err := s.dispatcher.Search(ctx, strings.TrimSpace(input.Q), k, input.Scope)
	if err != nil {
		return nil, nil, err
	}
	return jsonToolResult(res)
}

func (s *MCPServer) handleIngest(ctx context.Context, _ *mcp.CallToolRequest, input ingestInput) (*mcp.CallToolResult, any, error) {
	raw, err := json.Marshal(map[string]any{"documents": input.Documents})
	if err != nil {
		return nil, nil, err
	}
	if input.Async {
		handle, err := s.dispatcher.SubmitAsync(ctx, store.KindIngest, raw, "")
		if err != nil {
			return nil, nil, err
		}
		return jsonToolResult(handle)
	}
	return s.submitAndWait(ctx, store.KindIngest, raw, "")
}

func (s *MCPServer) handleReindex(ctx context.Context, _ *mcp.CallToolRequest, input reindexInput) (*mcp.CallToolResult, any, error) {
	params := map[string]any{}
	if input.SourceType != "" {
		params["source_type"] = input.SourceType
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, nil, err
	}
	if input.Async {
		handle, err := s.dispatcher.SubmitAsync(ctx, store.KindIndex, raw, "")
		if err != nil {
			return nil, nil, err
		}
		return jsonToolResult(handle)
	}
	return s.submitAndWait(ctx, store.KindIndex, raw, "")
}

func (s *MCPServer) handleRateReport(ctx context.Context, _ *mcp.CallToolRequest, input rateReportInput) (*mcp.CallToolResult, any, error) {
	if err := s.dispatcher.RateReport(ctx, input.ReportID, input.Rating); err != nil {
		return nil, nil, err
	}
	return jsonToolResult(map[string]any{"report_id": input.ReportID, "rating": input.Rating})
}

// syncResult is the inline response of a synchronous submission. Result
// mirrors the terminal event payload that async subscribers observe.
type syncResult struct {
	JobID    string          `json:"job_id"`
	Status   string          `json:"status"`
	ReportID int64           `json:"reportId,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// submitAndWait submits the job and blocks until terminal, rendering the
// terminal payload inline.
func (s *MCPServer) submitAndWait(ctx context.Context, kind string, params json.RawMessage, clientKey string) (*mcp.CallToolResult, any, error) {
	job, evt, err := s.dispatcher.SubmitAndWait(ctx, kind, params, clientKey)
	if err != nil {
		return nil, nil, err
	}

	out := syncResult{JobID: job.ID, Status: job.Status, Result: job.Result}
	if len(evt.Payload) > 0 {
		out.Result = evt.Payload
	}
	out.ReportID = dispatch.ExtractReportID(out.Result)

	if job.Status != store.StatusSucceeded {
		s.logger.Info("synchronous job did not succeed",
			zap.String("job_id", job.ID), zap.String("status", job.Status))
	}
	return jsonToolResult(out)
}

func jsonToolResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return textToolResult(string(data)), nil, nil
}

func textToolResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}
