package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/promode/internal/streaming"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 20 * time.Second
	wsWriteWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // restrict at the proxy
}

// handleWS streams run events as JSON text frames and closes normally after
// the terminal event.
// GET /stream/ws?run_id=<id>
func (h *StreamingHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	p, ok := parseStreamParams(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "run_id required")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch := h.mgr.Subscribe(p.runID, 256)
	defer h.mgr.Unsubscribe(p.runID, ch)

	sent := p.lastID
	// send reports whether the stream is finished
	send := func(ev streaming.Event) (bool, error) {
		if ev.Seq <= sent {
			return false, nil
		}
		sent = ev.Seq
		if p.wants(ev) {
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return true, err
			}
		}
		return ev.Terminal(), nil
	}
	closeNormal := func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	}

	for _, ev := range h.mgr.ReplaySince(p.runID, p.lastID) {
		done, err := send(ev)
		if err != nil {
			return
		}
		if done {
			closeNormal()
			return
		}
	}

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	// Reader pump discards client messages and notices disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			h.logger.Debug("WebSocket client disconnected", zap.String("run_id", p.runID))
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			done, err := send(ev)
			if err != nil {
				return
			}
			if done {
				closeNormal()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
