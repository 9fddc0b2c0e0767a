package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Mock is a deterministic in-process provider. With no scripted
// responses it synthesizes output from the request, which keeps the
// pipeline fully functional without network access. Tests can queue
// exact responses instead; each Complete/Stream call pops the next
// response/error pair and records the request.
type Mock struct {
	mu        sync.Mutex
	responses []*Response
	errors    []error
	calls     []*Request
	callIndex int
}

// NewMock creates a mock that synthesizes deterministic responses.
func NewMock() *Mock { return &Mock{} }

// NewMockScripted creates a mock with queued responses.
func NewMockScripted(responses []*Response, errors []error) *Mock {
	return &Mock{responses: responses, errors: errors}
}

// NewMockSimple creates a mock that returns a single text response.
func NewMockSimple(content string) *Mock {
	return NewMockScripted(
		[]*Response{{
			Content:    content,
			StopReason: "end_turn",
			Usage:      Usage{InputTokens: 100, OutputTokens: 50},
		}},
		[]error{nil},
	)
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Complete(_ context.Context, req *Request) (*Response, error) {
	return m.next(req)
}

func (m *Mock) Stream(ctx context.Context, req *Request, onDelta func(delta string)) (*Response, error) {
	resp, err := m.next(req)
	if err != nil {
		return nil, err
	}
	// Chunk the content so streaming consumers see multiple deltas.
	for _, word := range strings.SplitAfter(resp.Content, " ") {
		if word == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		onDelta(word)
	}
	return resp, nil
}

func (m *Mock) next(req *Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)

	if m.responses == nil {
		return synthesize(req), nil
	}
	if m.callIndex >= len(m.responses) {
		return nil, fmt.Errorf("mock provider: no more responses (call #%d)", m.callIndex)
	}
	resp := m.responses[m.callIndex]
	var err error
	if m.callIndex < len(m.errors) {
		err = m.errors[m.callIndex]
	}
	m.callIndex++
	return resp, err
}

// synthesize derives a stable response from the last user message.
func synthesize(req *Request) *Response {
	var prompt string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			prompt = req.Messages[i].Content
			break
		}
	}
	content := fmt.Sprintf("Findings for %q: no external model is configured, "+
		"so this deterministic summary stands in for a model completion. "+
		"The request was received intact and processed end to end.",
		firstLine(prompt))
	return &Response{
		Content:    content,
		StopReason: "end_turn",
		Usage: Usage{
			InputTokens:  int64(len(req.System)+len(prompt)) / 4,
			OutputTokens: int64(len(content)) / 4,
		},
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

// Calls returns all requests made to this mock.
func (m *Mock) Calls() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// CallCount returns how many times the mock was invoked.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset clears call history and resets the response index.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.callIndex = 0
}
