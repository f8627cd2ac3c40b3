package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/promode/internal/streaming"
)

// StreamingHandler serves SSE and WebSocket endpoints for run events.
type StreamingHandler struct {
	mgr       *streaming.Manager
	logger    *zap.Logger
	heartbeat time.Duration
}

func NewStreamingHandler(mgr *streaming.Manager, logger *zap.Logger) *StreamingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamingHandler{mgr: mgr, logger: logger, heartbeat: 15 * time.Second}
}

// RegisterRoutes registers /stream/sse and /stream/ws on mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	if wrap == nil {
		wrap = func(next http.Handler) http.Handler { return next }
	}
	mux.Handle("/stream/sse", wrap(http.HandlerFunc(h.handleSSE)))
	mux.Handle("/stream/ws", wrap(http.HandlerFunc(h.handleWS)))
}

type streamParams struct {
	runID  string
	lastID uint64
	types  map[string]struct{}
}

func parseStreamParams(r *http.Request) (streamParams, bool) {
	p := streamParams{runID: r.URL.Query().Get("run_id"), types: map[string]struct{}{}}
	if p.runID == "" {
		return p, false
	}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			if t = strings.TrimSpace(t); t != "" {
				p.types[t] = struct{}{}
			}
		}
	}
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			p.lastID = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && p.lastID == 0 {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			p.lastID = n
		}
	}
	return p, true
}

func (p streamParams) wants(evt streaming.Event) bool {
	if len(p.types) == 0 {
		return true
	}
	_, ok := p.types[evt.Type]
	return ok
}

// handleSSE streams events for a run via Server-Sent Events. The history
// after last_event_id is replayed first; the stream ends after the run's
// terminal event.
// GET /stream/sse?run_id=<id>
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	p, ok := parseStreamParams(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "run_id required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before replaying so nothing falls between the two.
	ch := h.mgr.Subscribe(p.runID, 256)
	defer h.mgr.Unsubscribe(p.runID, ch)

	fmt.Fprintf(w, ": connected to run %s\n\n", p.runID)
	flusher.Flush()

	sent := p.lastID
	write := func(ev streaming.Event) bool {
		if ev.Seq <= sent {
			return false
		}
		sent = ev.Seq
		if p.wants(ev) {
			fmt.Fprintf(w, "id: %d\n", ev.Seq)
			fmt.Fprintf(w, "event: %s\n", ev.Type)
			fmt.Fprintf(w, "data: %s\n\n", ev.Marshal())
		}
		return ev.Terminal()
	}

	for _, ev := range h.mgr.ReplaySince(p.runID, p.lastID) {
		if write(ev) {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	hb := time.NewTicker(h.heartbeat)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("run_id", p.runID))
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			done := write(evt)
			flusher.Flush()
			if done {
				return
			}
		case <-hb.C:
			// Heartbeat to keep connections alive through proxies
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}
