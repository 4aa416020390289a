// Package notify pushes "records changed" events to connected UI clients
// over websockets.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	// clientBuffer is how many undelivered events a client may lag behind.
	// Events carry no payload, so a full buffer already guarantees the
	// client will refresh.
	clientBuffer = 4

	writeTimeout = 10 * time.Second
)

// OpRecordsChanged tells clients to re-read their view of the orders.
const OpRecordsChanged = "records_changed"

// Event is the message sent to clients.
type Event struct {
	Op string `json:"op"`
}

type client struct {
	events chan []byte
}

// Hub fans events out to every connected websocket client.
type Hub struct {
	logger *slog.Logger
	opts   *websocket.AcceptOptions

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub creates a hub. originPatterns lists extra hosts allowed to open
// cross-origin connections (see websocket.AcceptOptions).
func NewHub(logger *slog.Logger, originPatterns ...string) *Hub {
	return &Hub{
		logger:  logger,
		opts:    &websocket.AcceptOptions{OriginPatterns: originPatterns},
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and streams events until the client
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, h.opts)
	if err != nil {
		h.logger.Debug("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	c := &client{events: make(chan []byte, clientBuffer)}
	h.add(c)
	defer h.remove(c)

	// Clients never send anything; CloseRead handles control frames and
	// cancels ctx when the peer disconnects.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.events:
			if err := write(ctx, conn, msg); err != nil {
				if !errors.Is(err, context.Canceled) {
					h.logger.Debug("websocket write failed", slog.String("error", err.Error()))
				}

				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return conn.Write(ctx, websocket.MessageText, msg)
}

// Publish sends a records-changed event to every client. It never
// blocks; a client whose buffer is full already has an event pending.
func (h *Hub) Publish() {
	h.broadcast(Event{Op: OpRecordsChanged})
}

func (h *Hub) broadcast(ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encoding event", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.events <- msg:
		default:
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.clients)
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("event client connected", slog.Int("clients", n))
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("event client disconnected", slog.Int("clients", n))
}
