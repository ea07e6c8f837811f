package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"conclave/internal/logging"
	"conclave/internal/stream"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// HandleEvents handles GET /v1/runs/{id}/events?replay=1. Each event is one
// JSON text frame; the socket is closed after the terminal event.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	replay := false
	switch r.URL.Query().Get("replay") {
	case "1", "true":
		replay = true
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(h.server.ctx, cancel)
	defer stop()

	// Subscribe before upgrading so an unknown run is a plain 404.
	sub, err := h.ctrl.Subscribe(ctx, id, replay)
	if err != nil {
		WriteError(w, err)
		return
	}
	defer sub.Close()

	h.server.streams.Add(1)
	defer h.server.streams.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		logging.ServerDebug("websocket upgrade failed for run %s: %v", id, err)
		return
	}
	defer conn.Close()

	// The client never sends data frames; reading only surfaces its close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	logging.ServerDebug("streaming run %s (replay=%v)", id, replay)
	n, terminal := pumpEvents(ctx, conn, sub.Events())

	code, text := websocket.CloseNormalClosure, "run finished"
	if !terminal {
		code, text = websocket.CloseGoingAway, "stream closed"
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))

	stats := sub.Stats()
	logging.ServerDebug("run %s stream ended: sent=%d dropped=%d terminal=%v", id, n, stats.Dropped, terminal)
}

// pumpEvents writes events until the channel closes, the terminal event is
// sent, or a write fails.
func pumpEvents(ctx context.Context, conn *websocket.Conn, events <-chan stream.Event) (int, bool) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return sent, false
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					logging.ServerDebug("websocket write failed: %v", err)
				}
				return sent, false
			}
			sent++
			if ev.Type.Terminal() {
				return sent, true
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return sent, false
			}
		case <-ctx.Done():
			return sent, false
		}
	}
}
