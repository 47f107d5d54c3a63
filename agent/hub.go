package agent

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	sanago "github.com/jesse457/SanaGo-desktop-sub000"
)

// Event names published on /events.
const (
	EventNotification  = "notification"
	EventNotifications = "notifications"
	EventNetwork       = "network"
	EventSession       = "session"
	EventAlert         = "alert"
	EventUnauthorized  = "unauthorized"
	EventLogout        = "logout"
)

// Client is one connected renderer stream.
type Client struct {
	events map[string]bool // empty means all
	send   chan []byte
}

func (c *Client) wants(event string) bool {
	return len(c.events) == 0 || c.events[event]
}

// Hub fans events out to every connected stream.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]struct{})}
}

// Register adds a stream. events restricts delivery to the named events;
// nil subscribes to everything.
func (h *Hub) Register(events []string, send chan []byte) *Client {
	c := &Client{send: send}
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			if c.events == nil {
				c.events = make(map[string]bool)
			}
			c.events[e] = true
		}
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	log.Debug().Int("filters", len(c.events)).Msg("SSE client connected")
	return c
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	log.Debug().Msg("SSE client disconnected")
}

// Broadcast sends an event to every interested stream. A stream whose
// buffer is full misses the event.
func (h *Hub) Broadcast(event string, v any) {
	msg, err := buildSSEMessage(event, v)
	if err != nil {
		log.Warn().Err(err).Str("event", event).Msg("SSE event not encodable")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(event) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			log.Warn().Str("event", event).Msg("SSE client send buffer full, skipping")
		}
	}
}

// ConnectedCount returns the number of open streams.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Alerter returns an alerter that publishes an alert event, leaving the
// sound to the renderer.
func (h *Hub) Alerter() sanago.Alerter {
	return sanago.AlerterFunc(func(context.Context) error {
		h.Broadcast(EventAlert, map[string]string{"sound": "notification"})
		return nil
	})
}

// buildSSEMessage formats one SSE frame.
func buildSSEMessage(event string, v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return []byte("event: " + event + "\ndata: " + string(b) + "\n\n"), nil
}
