package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rawblock/utxoracle/internal/publisher"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // streaming surface carries no auth; spec.md Non-goals excludes access control
	},
}

// Hub bridges the publisher's MempoolUpdate fan-out (internal/publisher) to
// any number of websocket clients on /stream (spec.md's EXPOSED SURFACE). It
// keeps no state of its own beyond the connection set: every update it
// forwards came from a publisher.Publisher subscription.
type Hub struct {
	pub *publisher.Publisher
	log *zap.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]uuid.UUID
}

// NewHub constructs a Hub bound to pub. Call Run in its own goroutine to
// start relaying updates.
func NewHub(pub *publisher.Publisher, log *zap.Logger) *Hub {
	return &Hub{
		pub:     pub,
		log:     log,
		clients: make(map[*websocket.Conn]uuid.UUID),
	}
}

// Run subscribes to the publisher and relays every emitted MempoolUpdate to
// all connected clients as JSON, until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ch := h.pub.Subscribe()
	defer h.pub.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(update)
			if err != nil {
				if h.log != nil {
					h.log.Warn("failed to marshal stream update", zap.Error(err))
				}
				continue
			}
			h.broadcast(data)
		}
	}
}

func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			client.Close()
			delete(h.clients, client)
		}
	}
}

// Subscribe upgrades the request to a websocket connection and registers it
// to receive future broadcasts. It is the /stream route handler.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if h.log != nil {
			h.log.Warn("websocket upgrade failed", zap.Error(err))
		}
		return
	}

	clientID := uuid.New()
	h.mu.Lock()
	h.clients[conn] = clientID
	h.mu.Unlock()
	if h.log != nil {
		h.log.Debug("stream client connected", zap.String("client_id", clientID.String()))
	}

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
			if h.log != nil {
				h.log.Debug("stream client disconnected", zap.String("client_id", clientID.String()))
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
