package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Watch streams a StatusResponse on every state change of an execution and
// closes the socket after the terminal one.
func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	job, ok := h.lookup(w, r)
	if !ok {
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Str("job_id", job.ID()).Msg("websocket upgrade failed")
		return
	}
	defer ws.Close()

	// Reads only serve to notice the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		state, res, changed := job.Snapshot()
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteJSON(status(job.ID(), state, res)); err != nil {
			h.logger.Debug().Err(err).Str("job_id", job.ID()).Msg("websocket write failed")
			return
		}
		if state.Terminal() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(state))
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}

	wait:
		for {
			select {
			case <-changed:
				break wait
			case <-gone:
				return
			case <-ping.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}
}
