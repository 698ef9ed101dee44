package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	// Per-client send buffer. Events beyond this are dropped for that
	// client rather than blocking the broadcast path.
	clientBuffer = 64

	writeWait = 10 * time.Second
)

// Hub broadcasts bus events to connected websocket clients. It implements
// http.Handler so it can be mounted directly on the router.
type Hub struct {
	mu      sync.Mutex
	clients map[*hubClient]struct{}
	log     zerolog.Logger
}

type hubClient struct {
	msgs chan []byte
}

// NewHub creates a hub subscribed to every event on the bus.
func NewHub(bus *Bus, log zerolog.Logger) *Hub {
	h := &Hub{
		clients: make(map[*hubClient]struct{}),
		log:     log.With().Str("component", "events_hub").Logger(),
	}
	bus.SubscribeAll(h.broadcast)
	return h
}

// ClientCount returns the number of connected websocket clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// broadcast fans an event out to all connected clients. Clients whose
// buffers are full miss the event; the connection itself stays open.
func (h *Hub) broadcast(event *Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Warn().Err(err).Str("event_type", string(event.Type)).Msg("Failed to marshal event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.msgs <- data:
		default:
			h.log.Warn().
				Str("event_type", string(event.Type)).
				Msg("Client buffer full, dropping event")
		}
	}
}

func (h *Hub) add(c *hubClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.log.Debug().Int("clients", count).Msg("WebSocket client connected")
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()
	h.log.Debug().Int("clients", count).Msg("WebSocket client disconnected")
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	c := &hubClient{msgs: make(chan []byte, clientBuffer)}
	h.add(c)
	defer h.remove(c)

	// CloseRead discards incoming messages and cancels the context when
	// the client goes away.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case msg := <-c.msgs:
			if err := writeWithTimeout(ctx, conn, msg); err != nil {
				return
			}
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

func writeWithTimeout(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, msg)
}
