package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mokuloa/aquagate/internal/telemetry"
)

// LiveEvent is the envelope pushed to every websocket client.
type LiveEvent struct {
	Type   string           `json:"type"` // "frame"
	Family string           `json:"family"`
	Ts     time.Time        `json:"ts"`
	Frame  *telemetry.Frame `json:"frame"`
}

// Hub fans completed frames out to websocket subscribers. Slow clients are
// dropped rather than allowed to stall the broadcast loop.
type Hub struct {
	logger     *slog.Logger
	broadcast  chan LiveEvent
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
}

// NewHub creates the hub. Run must be started before clients connect.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:     logger,
		broadcast:  make(chan LiveEvent, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		clients:    make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run owns the client set until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("[Live] client connected", "clients", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				c.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("[Live] client disconnected", "clients", n)

		case ev := <-h.broadcast:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				c.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
					h.logger.Warn("[Live] write failed, dropping client", "error", err)
					c.Close()
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// HandleWebSocket upgrades the request and parks a reader goroutine whose
// only job is to notice the client going away.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("[Live] upgrade failed", "error", err)
		return
	}
	h.register <- conn

	go func() {
		defer func() { h.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// BroadcastFrame queues one frame for fan-out. Drops the event when the
// queue is full so the poller never blocks on a slow dashboard.
func (h *Hub) BroadcastFrame(familyID string, frame *telemetry.Frame) {
	ev := LiveEvent{Type: "frame", Family: familyID, Ts: time.Now().UTC(), Frame: frame}
	select {
	case h.broadcast <- ev:
	default:
	}
}

// ClientCount reports connected websocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
