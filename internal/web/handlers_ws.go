package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"zigbee-actions/internal/coordinator"
)

const (
	wsSendBuffer   = 64
	wsWriteTimeout = 10 * time.Second
)

// WSHub fans coordinator events out to WebSocket clients. Clients that
// cannot keep up are dropped rather than slowing the others down.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan coordinator.Event

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	// types limits delivery to these event types; empty means all.
	types map[string]bool
}

func (c *wsClient) wants(eventType string) bool {
	return len(c.types) == 0 || c.types[eventType]
}

// NewWSHub creates a hub. Run must be started for it to deliver anything.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan coordinator.Event, 256),
		done:       make(chan struct{}),
	}
}

// Run is the hub loop. It owns client membership and closes a client's send
// channel when the client leaves, is evicted, or the hub stops.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				h.drop(client)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "clients", n)
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "clients", n)
		case event := <-h.broadcast:
			h.fanOut(event)
		}
	}
}

// drop must be called with h.mu held.
func (h *WSHub) drop(client *wsClient) {
	delete(h.clients, client)
	close(client.send)
}

func (h *WSHub) fanOut(event coordinator.Event) {
	data, ok := encodeEvent(h.logger, event)
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.wants(event.Type) {
			continue
		}
		select {
		case client.send <- data:
		default:
			h.drop(client)
			h.logger.Warn("ws client evicted", "type", event.Type, "buffered", wsSendBuffer)
		}
	}
}

// Stop shuts the hub down. It may be called more than once.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast queues event without blocking; a full queue drops it.
func (h *WSHub) Broadcast(event coordinator.Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("ws broadcast queue full, dropping event", "type", event.Type)
	}
}

// encodeEvent marshals a frame. Failures are logged and the frame skipped.
func encodeEvent(logger *slog.Logger, event coordinator.Event) ([]byte, bool) {
	data, err := json.Marshal(event)
	if err != nil {
		logger.Error("ws frame marshal", "type", event.Type, "err", err)
		return nil, false
	}
	return data, true
}

// parseTypes reads the optional ?types=a,b filter.
func parseTypes(r *http.Request) map[string]bool {
	raw := r.URL.Query().Get("types")
	if raw == "" {
		return nil
	}
	types := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[t] = true
		}
	}
	return types
}

// handleWS streams events to one client. Without allowed origins only
// same-origin upgrades are accepted.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.allowedOrigins})
	if err != nil {
		s.logger.Warn("ws accept", "err", err)
		return
	}
	defer conn.CloseNow()

	client := &wsClient{
		conn:  conn,
		send:  make(chan []byte, wsSendBuffer),
		types: parseTypes(r),
	}

	// A client joining mid-reset learns the radio is busy from its first frame.
	if client.wants(coordinator.EventTouchlinkState) {
		if hello, ok := s.helloFrame(); ok {
			client.send <- hello
		}
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
		}
	}()

	// The stream is one-way; CloseRead handles control frames and reports
	// the peer going away through ctx.
	ctx := conn.CloseRead(context.Background())
	s.streamEvents(ctx, client)
}

func (s *Server) helloFrame() ([]byte, bool) {
	return encodeEvent(s.logger, coordinator.Event{Type: coordinator.EventTouchlinkState, Data: s.coord.TouchlinkState()})
}

func (s *Server) streamEvents(ctx context.Context, client *wsClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-client.send:
			if !ok {
				client.conn.Close(websocket.StatusGoingAway, "")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := client.conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				s.logger.Debug("ws write", "err", err)
				return
			}
		}
	}
}
