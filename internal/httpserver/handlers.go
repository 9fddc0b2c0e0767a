package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"version": Version, "commit": Commit})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, _ := strconv.ParseInt(q.Get("since_event_id"), 10, 64)
	maxEvents, _ := strconv.Atoi(q.Get("max_events"))

	view, err := s.dispatcher.Status(r.Context(), r.PathValue("id"), q.Get("format"), since, maxEvents)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, view)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	res, err := s.dispatcher.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	k, _ := strconv.Atoi(q.Get("k"))
	if k <= 0 {
		k = 10
	}
	res, err := s.dispatcher.Search(r.Context(), q.Get("q"), k, q.Get("scope"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleRateReport(w http.ResponseWriter, r *http.Request) {
	reportID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_params", "report id must be numeric")
		return
	}
	rating, _ := strconv.Atoi(r.URL.Query().Get("rating"))
	if err := s.dispatcher.RateReport(r.Context(), reportID, rating); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"report_id": reportID, "rating": rating})
}

// ── Job event SSE ────────────────────────────────────────────

// sinceFromRequest resolves the replay cursor: the standard
// Last-Event-ID reconnect header wins over the since_event_id query.
func sinceFromRequest(r *http.Request) int64 {
	if h := r.Header.Get("Last-Event-ID"); h != "" {
		if n, err := strconv.ParseInt(h, 10, 64); err == nil {
			return n
		}
	}
	n, _ := strconv.ParseInt(r.URL.Query().Get("since_event_id"), 10, 64)
	return n
}

func (s *Server) handleJobEventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	sub, err := s.bus.Subscribe(r.Context(), r.PathValue("id"), sinceFromRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	// The stream outlives any server write deadline.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		case evt, ok := <-sub.Events():
			if !ok {
				// Terminal event delivered (or subscriber dropped).
				return
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, evt.Payload)
			flusher.Flush()
		}
	}
}

// ── Job event WebSocket ──────────────────────────────────────

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Auth happens before upgrade; clients connect from arbitrary origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleJobEventsWS(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	sub, err := s.bus.Subscribe(r.Context(), jobID, sinceFromRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	defer conn.Close()

	// Read pump: websocket clients must be drained so close frames and
	// pings are processed. Any client frame is ignored.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case evt, ok := <-sub.Events():
			if !ok {
				deadline := time.Now().Add(2 * time.Second)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream complete"), deadline)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				s.logger.Debug("websocket write failed", zap.String("job_id", jobID), zap.Error(err))
				return
			}
		}
	}
}
