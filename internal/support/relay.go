// Package support implements the Support Event Relay (SPEC_FULL.md §4.8):
// an append-only, capped replay buffer of support events fed from the bus,
// fanned out to filtered WebSocket subscribers. Grounded on
// original_source/services/WebSocket-Server/main.py's "Support WS" section.
package support

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ws-gateway/internal/bus"
	"ws-gateway/internal/logger"
)

// Event is one relayed support event, matching handle_support_rabbit_event's
// shape.
type Event struct {
	Event     string         `json:"event"`
	Namespace string         `json:"namespace"`
	Payload   map[string]any `json:"payload"`
	Meta      map[string]any `json:"meta"`
}

// Filters narrows which events a subscriber receives.
type Filters struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	TicketID  string `json:"ticket_id"`
}

func normalizeFilterValue(v string) string { return strings.TrimSpace(v) }

func (f Filters) normalize() Filters {
	return Filters{
		ProjectID: normalizeFilterValue(f.ProjectID),
		UserID:    normalizeFilterValue(f.UserID),
		TicketID:  normalizeFilterValue(f.TicketID),
	}
}

func extractTicket(payload map[string]any) map[string]any {
	if t, ok := payload["ticket"].(map[string]any); ok {
		return t
	}
	return map[string]any{}
}

func lookupValues(e Event) Filters {
	ticket := extractTicket(e.Payload)
	valueOf := func(key string) string {
		if v, ok := e.Payload[key]; ok {
			return normalizeFilterValue(toString(v))
		}
		if v, ok := ticket[key]; ok {
			return normalizeFilterValue(toString(v))
		}
		return ""
	}
	return Filters{
		ProjectID: valueOf("project_id"),
		UserID:    valueOf("user_id"),
		TicketID:  ticketID(e.Payload, ticket),
	}
}

func ticketID(payload, ticket map[string]any) string {
	if v, ok := payload["ticket_id"]; ok {
		return normalizeFilterValue(toString(v))
	}
	if v, ok := ticket["id"]; ok {
		return normalizeFilterValue(toString(v))
	}
	return ""
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", t))
	}
}

func matchesFilters(e Event, filters Filters) bool {
	filters = filters.normalize()
	if filters == (Filters{}) {
		return true
	}
	lookup := lookupValues(e)
	if filters.ProjectID != "" && lookup.ProjectID != filters.ProjectID {
		return false
	}
	if filters.UserID != "" && lookup.UserID != filters.UserID {
		return false
	}
	if filters.TicketID != "" && lookup.TicketID != filters.TicketID {
		return false
	}
	return true
}

type subscriber struct {
	ws      *websocket.Conn
	filters Filters
}

// Relay is the Support Event Relay.
type Relay struct {
	mu          sync.Mutex
	buffer      []Event
	replayLimit int
	subscribers map[*websocket.Conn]*subscriber
}

// NewRelay creates a Relay with the given replay buffer size (spec's
// SUPPORT_WS_REPLAY_LIMIT, default 50).
func NewRelay(replayLimit int) *Relay {
	if replayLimit <= 0 {
		replayLimit = 50
	}
	return &Relay{replayLimit: replayLimit, subscribers: make(map[*websocket.Conn]*subscriber)}
}

// HandleBusEvent adapts a bus envelope into a relayed support event.
func (r *Relay) HandleBusEvent(env bus.Envelope, routingKey string) error {
	eventName := env.Event
	if eventName == "" {
		eventName = routingKey
	}

	e := Event{
		Event:     eventName,
		Namespace: "support",
		Payload:   env.DataAsMap(),
		Meta: map[string]any{
			"source":      "rabbitmq",
			"timestamp":   env.Timestamp,
			"received_at": time.Now().UTC().Format(time.RFC3339),
		},
	}

	r.store(e)
	r.broadcast(e)
	return nil
}

func (r *Relay) store(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buffer = append(r.buffer, e)
	if overflow := len(r.buffer) - r.replayLimit; overflow > 0 {
		r.buffer = r.buffer[overflow:]
	}
}

func (r *Relay) broadcast(e Event) {
	r.mu.Lock()
	subs := make([]*subscriber, 0, len(r.subscribers))
	for _, s := range r.subscribers {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	var dead []*websocket.Conn
	for _, s := range subs {
		if !matchesFilters(e, s.filters) {
			continue
		}
		if err := s.ws.WriteJSON(e); err != nil {
			dead = append(dead, s.ws)
		}
	}

	if len(dead) > 0 {
		r.mu.Lock()
		for _, ws := range dead {
			delete(r.subscribers, ws)
		}
		r.mu.Unlock()
	}
}

// snapshot is the "support.snapshot" frame sent on connect, refresh, and
// filter changes.
type snapshot struct {
	Event     string         `json:"event"`
	Namespace string         `json:"namespace"`
	Payload   snapshotBody   `json:"payload"`
	Meta      map[string]any `json:"meta"`
}

type snapshotBody struct {
	Events  []Event `json:"events"`
	Count   int     `json:"count"`
	Filters Filters `json:"filters"`
}

func (r *Relay) sendSnapshot(ws *websocket.Conn, filters Filters) error {
	r.mu.Lock()
	var matched []Event
	for _, e := range r.buffer {
		if matchesFilters(e, filters) {
			matched = append(matched, e)
		}
	}
	r.mu.Unlock()

	return ws.WriteJSON(snapshot{
		Event:     "support.snapshot",
		Namespace: "support",
		Payload:   snapshotBody{Events: matched, Count: len(matched), Filters: filters},
		Meta:      map[string]any{"replayed": true, "ts": time.Now().UTC().Format(time.RFC3339)},
	})
}

// Subscribe registers ws with initial filters (typically parsed from query
// parameters) and sends its initial snapshot.
func (r *Relay) Subscribe(ws *websocket.Conn, filters Filters) {
	filters = filters.normalize()

	r.mu.Lock()
	r.subscribers[ws] = &subscriber{ws: ws, filters: filters}
	r.mu.Unlock()

	if err := r.sendSnapshot(ws, filters); err != nil {
		logger.Support().Warn().Err(err).Msg("failed to send initial support snapshot")
	}
}

// Unsubscribe removes ws from the subscriber set.
func (r *Relay) Unsubscribe(ws *websocket.Conn) {
	r.mu.Lock()
	delete(r.subscribers, ws)
	r.mu.Unlock()
}

// clientMessage mirrors the inbound frames ws_support_stream accepts.
type clientMessage struct {
	Event   string  `json:"event"`
	Filters Filters `json:"filters"`
}

// HandleClientMessage processes one inbound client frame: refresh requests
// resend the snapshot, subscribe requests replace the filter set, and ping
// gets a pong.
func (r *Relay) HandleClientMessage(ws *websocket.Conn, event string, filters Filters) {
	switch strings.ToLower(strings.TrimSpace(event)) {
	case "support.get", "support.refresh", "refresh":
		r.mu.Lock()
		sub := r.subscribers[ws]
		r.mu.Unlock()
		if sub == nil {
			return
		}
		if err := r.sendSnapshot(ws, sub.filters); err != nil {
			logger.Support().Warn().Err(err).Msg("failed to resend support snapshot")
		}

	case "support.subscribe":
		updated := filters.normalize()
		r.mu.Lock()
		if sub, ok := r.subscribers[ws]; ok {
			sub.filters = updated
		}
		r.mu.Unlock()

		_ = ws.WriteJSON(map[string]any{
			"event":     "support.subscribed",
			"namespace": "support",
			"payload":   map[string]any{"filters": updated},
		})
		if err := r.sendSnapshot(ws, updated); err != nil {
			logger.Support().Warn().Err(err).Msg("failed to send snapshot after subscribe")
		}

	case "ping", "support.ping":
		_ = ws.WriteJSON(map[string]any{
			"event":     "support.pong",
			"namespace": "support",
			"meta":      map[string]any{"ts": time.Now().UTC().Format(time.RFC3339)},
		})
	}
}
