package controlplane

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/unicornultrafoundation/overnet/internal/protocol"
)

const sseClientBuffer = 10

// SSEHub broadcasts admin events (node online/offline, authorization changes)
// to every connected event-stream client.
type SSEHub struct {
	mu      sync.Mutex
	clients []chan protocol.Event
	log     *slog.Logger
}

// NewSSEHub creates an empty hub.
func NewSSEHub(log *slog.Logger) *SSEHub {
	return &SSEHub{log: log.With("component", "sse")}
}

// ClientCount returns the number of connected event-stream clients.
func (h *SSEHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast fans an event out to all clients. Slow clients are skipped once
// their buffer fills; they catch up or fall behind, never block the hub.
func (h *SSEHub) Broadcast(ev protocol.Event) {
	h.mu.Lock()
	clients := make([]chan protocol.Event, len(h.clients))
	copy(clients, h.clients)
	h.mu.Unlock()

	for _, ch := range clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Serve streams events to one HTTP client until it disconnects.
func (h *SSEHub) Serve(c *gin.Context) {
	ch := make(chan protocol.Event, sseClientBuffer)

	h.mu.Lock()
	h.clients = append(h.clients, ch)
	h.mu.Unlock()
	h.log.Info("event stream client connected", "remote", c.Request.RemoteAddr)

	defer func() {
		h.mu.Lock()
		for i, existing := range h.clients {
			if existing == ch {
				h.clients = append(h.clients[:i], h.clients[i+1:]...)
				break
			}
		}
		h.mu.Unlock()
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	// Initial hello so clients know the stream is live
	c.SSEvent("message", "connected")
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			data, err := json.Marshal(ev)
			if err != nil {
				return true
			}
			c.SSEvent("message", string(data))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
