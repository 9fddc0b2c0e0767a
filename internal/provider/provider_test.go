package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/peregrine-ai/researchd/internal/config"
	"github.com/peregrine-ai/researchd/internal/errs"
)

func TestMockSimple(t *testing.T) {
	mock := NewMockSimple("Hello, world!")

	resp, err := mock.Complete(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Content != "Hello, world!" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("stop reason = %q", resp.StopReason)
	}
	if mock.CallCount() != 1 {
		t.Errorf("call count = %d", mock.CallCount())
	}

	// The scripted queue is exhausted.
	if _, err := mock.Complete(context.Background(), &Request{}); err == nil {
		t.Error("second call should fail")
	}
}

func TestMockSynthesizesWithoutScript(t *testing.T) {
	mock := NewMock()
	resp, err := mock.Complete(context.Background(), &Request{
		Messages: []Message{{Role: "user", Content: "what is BM25?"}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !strings.Contains(resp.Content, "what is BM25?") {
		t.Errorf("synthesized content does not echo the prompt: %q", resp.Content)
	}
	if resp.Usage.OutputTokens == 0 {
		t.Error("no synthesized usage")
	}
}

func TestMockStreamDeltas(t *testing.T) {
	mock := NewMockSimple("alpha beta gamma")
	var deltas []string
	resp, err := mock.Stream(context.Background(), &Request{}, func(d string) {
		deltas = append(deltas, d)
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(deltas) < 2 {
		t.Errorf("got %d deltas, want several", len(deltas))
	}
	if strings.Join(deltas, "") != resp.Content {
		t.Errorf("deltas reassemble to %q, content %q", strings.Join(deltas, ""), resp.Content)
	}
}

func TestNewSelectsProvider(t *testing.T) {
	p, err := New(config.LLMConfig{})
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if p.Name() != "mock" {
		t.Errorf("default provider = %s", p.Name())
	}
	if _, err := New(config.LLMConfig{Provider: "anthropic"}); err == nil {
		t.Error("anthropic without api key accepted")
	}
	if _, err := New(config.LLMConfig{Provider: "nope"}); err == nil {
		t.Error("unknown provider accepted")
	}
}

func TestStatusErrorClassification(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
		kind      errs.Kind
	}{
		{429, true, errs.KindTransient},
		{500, true, errs.KindTransient},
		{503, true, errs.KindTransient},
		{401, false, errs.KindFatal},
		{403, false, errs.KindFatal},
		{400, false, errs.KindFatal},
	}
	for _, tc := range cases {
		retryable, err := statusError("test", tc.status, []byte("body"))
		if retryable != tc.retryable {
			t.Errorf("status %d: retryable = %v, want %v", tc.status, retryable, tc.retryable)
		}
		if errs.KindOf(err) != tc.kind {
			t.Errorf("status %d: kind = %s, want %s", tc.status, errs.KindOf(err), tc.kind)
		}
	}
	if retryable, err := statusError("test", 200, nil); retryable || err != nil {
		t.Errorf("status 200: %v %v", retryable, err)
	}
}

func TestAnthropicComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "key" {
			t.Errorf("missing api key header")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"content": [{"type":"text","text":"report body"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 12, "output_tokens": 34}
		}`))
	}))
	defer srv.Close()

	p, err := NewAnthropic(config.LLMConfig{APIKey: "key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	resp, err := p.Complete(context.Background(), &Request{
		Model:    "test-model",
		Messages: []Message{{Role: "user", Content: "q"}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Content != "report body" || resp.StopReason != "end_turn" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.Total() != 46 {
		t.Errorf("usage total = %d", resp.Usage.Total())
	}
}

func TestAnthropicStream(t *testing.T) {
	frames := []string{
		`data: {"type":"message_start","message":{"usage":{"input_tokens":5}}}`,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"hello "}}`,
		`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"world"}}`,
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			_, _ = w.Write([]byte(f + "\n\n"))
		}
	}))
	defer srv.Close()

	p, err := NewAnthropic(config.LLMConfig{APIKey: "key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var got strings.Builder
	resp, err := p.Stream(context.Background(), &Request{Model: "m"}, func(d string) {
		got.WriteString(d)
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got.String() != "hello world" || resp.Content != "hello world" {
		t.Errorf("content = %q / %q", got.String(), resp.Content)
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("stop reason = %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 5 || resp.Usage.OutputTokens != 2 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestOpenAIComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message":{"role":"assistant","content":"answer"},"finish_reason":"stop"}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 4}
		}`))
	}))
	defer srv.Close()

	p, err := NewOpenAI(config.LLMConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	resp, err := p.Complete(context.Background(), &Request{
		Model:    "m",
		System:   "sys",
		Messages: []Message{{Role: "user", Content: "q"}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Content != "answer" || resp.StopReason != "stop" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Usage.InputTokens != 3 || resp.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestOpenAIAuthFailureNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, err := NewOpenAI(config.LLMConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = p.Complete(context.Background(), &Request{Model: "m"})
	if errs.KindOf(err) != errs.KindFatal {
		t.Errorf("err kind = %s, want fatal", errs.KindOf(err))
	}
	if calls != 1 {
		t.Errorf("server called %d times, want 1", calls)
	}
}
