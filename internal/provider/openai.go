package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/peregrine-ai/researchd/internal/config"
	"github.com/peregrine-ai/researchd/internal/errs"
	"github.com/peregrine-ai/researchd/internal/telemetry"
)

const openaiDefaultEndpoint = "https://api.openai.com"

// OpenAI calls OpenAI-compatible chat completion APIs.
// Works with OpenAI, Ollama, vLLM, Azure (with endpoint override), etc.
type OpenAI struct {
	endpoint   string
	apiKey     string
	client     *http.Client
	maxRetries int
}

// NewOpenAI creates an OpenAI-compatible provider.
func NewOpenAI(cfg config.LLMConfig) (*OpenAI, error) {
	endpoint := cfg.BaseURL
	if endpoint == "" {
		endpoint = openaiDefaultEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	return &OpenAI{
		endpoint:   endpoint,
		apiKey:     cfg.APIKey,
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
	}, nil
}

func (p *OpenAI) Name() string { return "openai" }

// --- OpenAI API types ---

type openaiRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Messages      []openaiMessage `json:"messages"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage,omitempty"`
	Error *openaiError `json:"error,omitempty"`
}

type openaiUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

type openaiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type openaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage,omitempty"`
	Error *openaiError `json:"error,omitempty"`
}

func (p *OpenAI) buildRequest(req *Request, stream bool) *openaiRequest {
	apiReq := &openaiRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	}
	if stream {
		apiReq.StreamOptions = &struct {
			IncludeUsage bool `json:"include_usage"`
		}{IncludeUsage: true}
	}
	if req.System != "" {
		apiReq.Messages = append(apiReq.Messages, openaiMessage{Role: "system", Content: req.System})
	}
	for _, msg := range req.Messages {
		apiReq.Messages = append(apiReq.Messages, openaiMessage{Role: msg.Role, Content: msg.Content})
	}
	return apiReq
}

func (p *OpenAI) Complete(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := telemetry.StartLLMCallSpan(ctx, req.Model, "openai", false)
	defer span.End()

	body, err := json.Marshal(p.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := p.doWithRetry(ctx, body)
	if err != nil {
		return nil, err
	}

	var apiResp openaiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if apiResp.Error != nil {
		return nil, errs.Newf(errs.KindFatal, "openai API error (%s): %s",
			apiResp.Error.Type, apiResp.Error.Message)
	}
	if len(apiResp.Choices) == 0 {
		return nil, errs.New(errs.KindFatal, "openai API returned no choices")
	}

	resp := &Response{
		Content:    apiResp.Choices[0].Message.Content,
		StopReason: apiResp.Choices[0].FinishReason,
	}
	if apiResp.Usage != nil {
		resp.Usage = Usage{
			InputTokens:  apiResp.Usage.PromptTokens,
			OutputTokens: apiResp.Usage.CompletionTokens,
		}
	}
	telemetry.EndLLMCallSpan(span, resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.StopReason)
	return resp, nil
}

// Stream issues a streaming request and forwards content deltas. Retries
// apply only before the first byte of the stream.
func (p *OpenAI) Stream(ctx context.Context, req *Request, onDelta func(delta string)) (*Response, error) {
	ctx, span := telemetry.StartLLMCallSpan(ctx, req.Model, "openai", true)
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
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return nil, errs.Newf(errs.KindTransient, "openai stream error (%s): %s",
				chunk.Error.Type, chunk.Error.Message)
		}
		if len(chunk.Choices) > 0 {
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				content.WriteString(delta)
				onDelta(delta)
			}
			if fr := chunk.Choices[0].FinishReason; fr != "" {
				resp.StopReason = fr
			}
		}
		if chunk.Usage != nil {
			resp.Usage = Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
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

func (p *OpenAI) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.endpoint+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return httpReq, nil
}

func (p *OpenAI) doWithRetry(ctx context.Context, body []byte) ([]byte, error) {
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

		if retryable, terminal := statusError("openai", httpResp.StatusCode, respBody); terminal != nil {
			if retryable && attempt < p.maxRetries {
				continue
			}
			return nil, terminal
		}
		return respBody, nil
	}
	return nil, errs.New(errs.KindTransient, "exhausted retries")
}

func (p *OpenAI) openStream(ctx context.Context, body []byte) (*http.Response, error) {
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
			retryable, terminal := statusError("openai", httpResp.StatusCode, respBody)
			if retryable && attempt < p.maxRetries {
				continue
			}
			return nil, terminal
		}
		return httpResp, nil
	}
	return nil, errs.New(errs.KindTransient, "exhausted retries")
}
