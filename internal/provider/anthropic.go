package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/peregrine-ai/researchd/internal/config"
	"github.com/peregrine-ai/researchd/internal/errs"
	"github.com/peregrine-ai/researchd/internal/telemetry"
)

const (
	anthropicDefaultEndpoint = "https://api.anthropic.com"
	anthropicAPIVersion      = "2023-06-01"
)

// Anthropic calls the Anthropic Messages API.
type Anthropic struct {
	endpoint   string
	apiKey     string
	client     *http.Client
	maxRetries int
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(cfg config.LLMConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errs.New(errs.KindFatal, "anthropic provider requires API key")
	}

	endpoint := cfg.BaseURL
	if endpoint == "" {
		endpoint = anthropicDefaultEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	return &Anthropic{
		endpoint:   endpoint,
		apiKey:     cfg.APIKey,
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
	}, nil
}

func (p *Anthropic) Name() string { return "anthropic" }

// --- Anthropic API types ---

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
	Error      *anthropicError         `json:"error,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Streaming wire events.
type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text,omitempty"`
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *anthropicError `json:"error,omitempty"`
}

func (p *Anthropic) buildRequest(req *Request, stream bool) *anthropicRequest {
	apiReq := &anthropicRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		System:    req.System,
		Stream:    stream,
	}
	if apiReq.MaxTokens <= 0 {
		apiReq.MaxTokens = 4096
	}
	for _, msg := range req.Messages {
		apiReq.Messages = append(apiReq.Messages, anthropicMessage{Role: msg.Role, Content: msg.Content})
	}
	return apiReq
}

func (p *Anthropic) Complete(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := telemetry.StartLLMCallSpan(ctx, req.Model, "anthropic", false)
	defer span.End()

	body, err := json.Marshal(p.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := p.doWithRetry(ctx, body)
	if err != nil {
		return nil, err
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if apiResp.Error != nil {
		return nil, errs.Newf(errs.KindFatal, "anthropic API error (%s): %s",
			apiResp.Error.Type, apiResp.Error.Message)
	}

	resp := &Response{
		StopReason: apiResp.StopReason,
		Usage: Usage{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
		},
	}
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			resp.Content += block.Text
		}
	}
	telemetry.EndLLMCallSpan(span, resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.StopReason)
	return resp, nil
}

// Stream issues a streaming request and forwards text deltas. Retries
// apply only before the first byte of the stream; a stream that breaks
// mid-flight surfaces as a transient error.
func (p *Anthropic) Stream(ctx context.Context, req *Request, onDelta func(delta string)) (*Response, error) {
	ctx, span := telemetry.StartLLMCallSpan(ctx, req.Model, "anthropic", true)
	defer span.End()

	body, err := json.Marshal(p.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpResp, err := p.openStream(ctx, body)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var (
		resp    Response
		content strings.Builder
	)
	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "message_start":
			if evt.Message != nil {
				resp.Usage.InputTokens = evt.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if evt.Delta != nil && evt.Delta.Text != "" {
				content.WriteString(evt.Delta.Text)
				onDelta(evt.Delta.Text)
			}
		case "message_delta":
			if evt.Delta != nil {
				resp.StopReason = evt.Delta.StopReason
			}
			if evt.Usage != nil {
				resp.Usage.OutputTokens = evt.Usage.OutputTokens
			}
		case "error":
			if evt.Error != nil {
				return nil, errs.Newf(errs.KindTransient, "anthropic stream error (%s): %s",
					evt.Error.Type, evt.Error.Message)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.Wrap(errs.KindTransient, "stream interrupted", err)
	}

	resp.Content = content.String()
	telemetry.EndLLMCallSpan(span, resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.StopReason)
	return &resp, nil
}

func (p *Anthropic) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.endpoint+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	return httpReq, nil
}

func (p *Anthropic) doWithRetry(ctx context.Context, body []byte) ([]byte, error) {
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		httpReq, err := p.newRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		httpResp, err := p.client.Do(httpReq)
		if err != nil {
			if attempt < p.maxRetries {
				continue
			}
			return nil, errs.Wrap(errs.KindTransient, "HTTP request failed", err)
		}

		respBody, err := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		if err != nil {
			return nil, errs.Wrap(errs.KindTransient, "read response", err)
		}

		if retryable, terminal := statusError("anthropic", httpResp.StatusCode, respBody); terminal != nil {
			if retryable && attempt < p.maxRetries {
				continue
			}
			return nil, terminal
		}
		return respBody, nil
	}
	return nil, errs.New(errs.KindTransient, "exhausted retries")
}

func (p *Anthropic) openStream(ctx context.Context, body []byte) (*http.Response, error) {
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		httpReq, err := p.newRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Accept", "text/event-stream")

		httpResp, err := p.client.Do(httpReq)
		if err != nil {
			if attempt < p.maxRetries {
				continue
			}
			return nil, errs.Wrap(errs.KindTransient, "HTTP request failed", err)
		}
		if httpResp.StatusCode != 200 {
			respBody, _ := io.ReadAll(httpResp.Body)
			httpResp.Body.Close()
			retryable, terminal := statusError("anthropic", httpResp.StatusCode, respBody)
			if retryable && attempt < p.maxRetries {
				continue
			}
			return nil, terminal
		}
		return httpResp, nil
	}
	return nil, errs.New(errs.KindTransient, "exhausted retries")
}

// statusError classifies a non-200 status. 429 and 5xx are retryable
// transients; 401/403 are fatal; everything else is a fatal API error.
func statusError(name string, status int, body []byte) (retryable bool, err error) {
	switch {
	case status == 200:
		return false, nil
	case status == 429 || status >= 500:
		return true, errs.Newf(errs.KindTransient, "%s API returned %d: %s", name, status, string(body))
	case status == 401 || status == 403:
		return false, errs.Newf(errs.KindFatal, "%s API authentication failed (%d)", name, status)
	default:
		return false, errs.Newf(errs.KindFatal, "%s API returned %d: %s", name, status, string(body))
	}
}

func sleepBackoff(ctx context.Context, attempt int) error {
	d := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
