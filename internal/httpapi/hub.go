package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/stellarlinkco/jarvis-core/internal/core"
)

// Hub fans a single stream of core.StatusEvent broadcasts out to every
// currently-connected WebSocket client. Delivery is fire-and-forget: when a
// subscriber's buffer is full the event is skipped for that subscriber,
// which stays subscribed, rather than allowed to back up the broadcaster,
// matching the loop's ordering guarantee that a missed event is never
// delivered out of order, only skipped.
type Hub struct {
	mu   sync.Mutex
	subs map[chan core.StatusEvent]struct{}
}

// NewHub creates an empty Hub. Construct it before the core loop so its
// Broadcast method can be handed to core.New as the status-push callback.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan core.StatusEvent]struct{})}
}

func (h *Hub) subscribe() chan core.StatusEvent {
	ch := make(chan core.StatusEvent, 8)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan core.StatusEvent) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
	close(ch)
}

// Broadcast fans a status event out to every connected subscriber. It is
// the function core.New expects for its status-push callback.
func (h *Hub) Broadcast(ev core.StatusEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		close(ch)
		delete(h.subs, ch)
	}
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "shutting down")
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
