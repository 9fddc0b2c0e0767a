package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/peregrine-ai/researchd/internal/config"
	"github.com/peregrine-ai/researchd/internal/dispatch"
	"github.com/peregrine-ai/researchd/internal/embed"
	"github.com/peregrine-ai/researchd/internal/events"
	"github.com/peregrine-ai/researchd/internal/store"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*httptest.Server, *store.Store, *events.Bus) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "http.db"),
		store.Options{VectorDim: embed.Dim}, zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := events.New(st, events.Options{}, zap.NewNop())
	d, err := dispatch.New(st, bus, nil, embed.NewLocal(), nil, dispatch.Options{}, zap.NewNop())
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}

	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}

	srv := New(cfg, d, bus, nil, nil, zap.NewNop())
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts, st, bus
}

func getJSON(t *testing.T, ts *httptest.Server, path, token string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func seedJob(t *testing.T, st *store.Store, kind, key string) string {
	t.Helper()
	id, _, err := st.InsertJob(context.Background(), kind,
		json.RawMessage(`{"query":"seeded"}`), key, time.Hour, 3)
	if err != nil {
		t.Fatalf("insert job: %v", err)
	}
	return id
}

func TestHealthAndVersionBypassAuth(t *testing.T) {
	ts, _, _ := newTestServer(t, func(c *config.Config) { c.APIToken = "secret" })

	var health map[string]string
	if code := getJSON(t, ts, "/healthz", "", &health); code != http.StatusOK {
		t.Fatalf("healthz status = %d", code)
	}
	if health["status"] != "ok" {
		t.Errorf("healthz body = %v", health)
	}

	var version map[string]string
	if code := getJSON(t, ts, "/version", "", &version); code != http.StatusOK {
		t.Fatalf("version status = %d", code)
	}
	if version["version"] == "" {
		t.Errorf("version body = %v", version)
	}
}

func TestAuthRequiredOnAPI(t *testing.T) {
	ts, st, _ := newTestServer(t, func(c *config.Config) { c.APIToken = "secret" })
	jobID := seedJob(t, st, store.KindResearch, "auth-key")

	var apiErr APIError
	if code := getJSON(t, ts, "/api/v1/jobs/"+jobID, "", &apiErr); code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", code)
	}
	if apiErr.Code != "unauthorized" {
		t.Errorf("error code = %q", apiErr.Code)
	}

	if code := getJSON(t, ts, "/api/v1/jobs/"+jobID, "wrong", nil); code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d", code)
	}
	if code := getJSON(t, ts, "/api/v1/jobs/"+jobID, "secret", nil); code != http.StatusOK {
		t.Errorf("bearer token status = %d", code)
	}

	// WebSocket-style clients pass the token as a query parameter.
	if code := getJSON(t, ts, "/api/v1/jobs/"+jobID+"?token=secret", "", nil); code != http.StatusOK {
		t.Errorf("query token status = %d", code)
	}
}

func TestJobStatusEndpoint(t *testing.T) {
	ts, st, _ := newTestServer(t, nil)
	jobID := seedJob(t, st, store.KindResearch, "status-key")

	var view dispatch.StatusView
	if code := getJSON(t, ts, "/api/v1/jobs/"+jobID, "", &view); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if view.JobID != jobID || view.Status != store.StatusQueued {
		t.Errorf("view = %+v", view)
	}

	var apiErr APIError
	if code := getJSON(t, ts, "/api/v1/jobs/no-such-job", "", &apiErr); code != http.StatusNotFound {
		t.Fatalf("unknown job status = %d", code)
	}
	if apiErr.Code != "not_found" {
		t.Errorf("error code = %q", apiErr.Code)
	}
}

func TestCancelEndpoint(t *testing.T) {
	ts, st, _ := newTestServer(t, nil)
	jobID := seedJob(t, st, store.KindResearch, "cancel-key")

	resp, err := ts.Client().Post(ts.URL+"/api/v1/jobs/"+jobID+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("POST cancel: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var res dispatch.CancelResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.JobID != jobID || res.PreviousStatus != store.StatusQueued {
		t.Errorf("cancel result = %+v", res)
	}
}

func TestSearchEndpointValidation(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)

	var apiErr APIError
	if code := getJSON(t, ts, "/api/v1/search", "", &apiErr); code != http.StatusBadRequest {
		t.Fatalf("empty q status = %d", code)
	}
	if apiErr.Code != "invalid_params" {
		t.Errorf("error code = %q", apiErr.Code)
	}
}

func TestRateReportEndpoint(t *testing.T) {
	ts, st, _ := newTestServer(t, nil)
	ctx := context.Background()

	em := embed.NewLocal()
	vec, _ := em.Embed(ctx, "coral bleaching")
	reportID, err := st.InsertReport(ctx, "coral bleaching", "Bleaching accelerates.", vec, nil)
	if err != nil {
		t.Fatalf("insert report: %v", err)
	}

	url := ts.URL + "/api/v1/reports/" + strconv.FormatInt(reportID, 10) + "/rating?rating=4"
	resp, err := ts.Client().Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("POST rating: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	resp, err = ts.Client().Post(ts.URL+"/api/v1/reports/abc/rating?rating=4", "application/json", nil)
	if err != nil {
		t.Fatalf("POST bad id: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("non-numeric id status = %d", resp.StatusCode)
	}
}

func TestRateLimitReturns429(t *testing.T) {
	ts, _, _ := newTestServer(t, func(c *config.Config) { c.RateLimitPerMinute = 3 })

	var limited bool
	for i := 0; i < 10; i++ {
		code := getJSON(t, ts, "/version", "", nil)
		if code == http.StatusTooManyRequests {
			limited = true
		}
	}
	if !limited {
		t.Error("burst of 10 requests against a 3/min limit never hit 429")
	}

	// Health stays reachable for probes even when the client is limited.
	if code := getJSON(t, ts, "/healthz", "", nil); code != http.StatusOK {
		t.Errorf("healthz status = %d under rate limit", code)
	}
}

func TestSSEReplaysAndClosesOnTerminal(t *testing.T) {
	ts, st, bus := newTestServer(t, nil)
	ctx := context.Background()
	jobID := seedJob(t, st, store.KindResearch, "sse-key")

	if _, err := bus.Emit(ctx, jobID, store.EventJobProgress, map[string]any{"percent": 40}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	evt, err := st.FinishJob(ctx, jobID, "", store.StatusSucceeded,
		json.RawMessage(`{"report_id":3}`), store.EventJobSucceeded, map[string]any{"report_id": 3})
	if err != nil {
		t.Fatalf("finish job: %v", err)
	}
	bus.Publish(evt)

	resp, err := ts.Client().Get(ts.URL + "/api/v1/jobs/" + jobID + "/events")
	if err != nil {
		t.Fatalf("GET sse: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// The job is terminal, so the stream replays the log and ends.
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	text := string(body)
	if !strings.Contains(text, "event: "+store.EventJobProgress) {
		t.Errorf("missing progress event in stream:\n%s", text)
	}
	if !strings.Contains(text, "event: "+store.EventJobSucceeded) {
		t.Errorf("missing terminal event in stream:\n%s", text)
	}
	if !strings.Contains(text, "id: 1\n") || !strings.Contains(text, "id: 2\n") {
		t.Errorf("missing event ids in stream:\n%s", text)
	}
}

func TestSSEResumesFromLastEventID(t *testing.T) {
	ts, st, bus := newTestServer(t, nil)
	ctx := context.Background()
	jobID := seedJob(t, st, store.KindResearch, "resume-key")

	for i := 0; i < 3; i++ {
		if _, err := bus.Emit(ctx, jobID, store.EventJobProgress, map[string]any{"percent": i}); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	evt, err := st.FinishJob(ctx, jobID, "", store.StatusSucceeded, nil,
		store.EventJobSucceeded, nil)
	if err != nil {
		t.Fatalf("finish job: %v", err)
	}
	bus.Publish(evt)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/jobs/"+jobID+"/events", nil)
	req.Header.Set("Last-Event-ID", "2")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("GET sse: %v", err)
	}
	defer resp.Body.Close()

	var ids []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		}
	}
	if len(ids) != 2 || ids[0] != "3" || ids[1] != "4" {
		t.Errorf("replayed ids = %v, want [3 4]", ids)
	}
}

func TestSSEUnknownJob(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)
	resp, err := ts.Client().Get(ts.URL + "/api/v1/jobs/missing/events")
	if err != nil {
		t.Fatalf("GET sse: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestWebSocketStreamsEvents(t *testing.T) {
	ts, st, bus := newTestServer(t, nil)
	ctx := context.Background()
	jobID := seedJob(t, st, store.KindResearch, "ws-key")

	if _, err := bus.Emit(ctx, jobID, store.EventJobProgress, map[string]any{"percent": 10}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	evt, err := st.FinishJob(ctx, jobID, "", store.StatusSucceeded, nil,
		store.EventJobSucceeded, nil)
	if err != nil {
		t.Fatalf("finish job: %v", err)
	}
	bus.Publish(evt)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/jobs/" + jobID
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v (resp=%v)", err, resp)
	}
	defer conn.Close()

	var types []string
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		var got store.Event
		if err := conn.ReadJSON(&got); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			t.Fatalf("read: %v (after %v)", err, types)
		}
		types = append(types, got.Type)
	}
	if len(types) != 2 || types[0] != store.EventJobProgress || types[1] != store.EventJobSucceeded {
		t.Errorf("event types = %v", types)
	}
}
