// Package stats implements the Donation Stats Relay (SPEC_FULL.md §4.7):
// it consumes the upstream donation-stats WebSocket, caches the latest
// snapshot, and rebroadcasts a reshaped update to every subscribed
// frontend client. Grounded on
// original_source/services/WebSocket-Server/donate_stat.py.
package stats

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ws-gateway/internal/logger"
	"ws-gateway/internal/upstream"
)

// Publisher is the subset of bus.Client used to request a stats refresh.
type Publisher interface {
	Publish(ctx context.Context, eventName string, data any) error
}

// RequestRefresh republishes a donation.stats.snapshot request onto the bus
// so a stale cache can be forced to refresh without waiting on the upstream
// WS consumer's next unsolicited push. Grounded on
// original_source/services/WebSocket-Server/stats_emitter.py::emit_stats_snapshot.
func (r *Relay) RequestRefresh(ctx context.Context, pub Publisher) error {
	err := pub.Publish(ctx, "donation.stats.snapshot", map[string]any{
		"requested_at": time.Now().UTC().Format(time.RFC3339),
		"source":       "donation_consumer",
	})
	if err != nil {
		logger.Stats().Warn().Err(err).Msg("failed to request stats refresh")
	}
	return err
}

// Update is the reshaped event sent to frontend clients, matching
// donate_stat.py::handle_stats_message's "donation.stats.update" payload.
type Update struct {
	Event   string  `json:"event"`
	Payload Payload `json:"payload"`
}

// Payload carries the progress/today breakdown plus the untouched upstream
// payload for clients that want the raw fields.
type Payload struct {
	Progress Progress       `json:"progress"`
	Today    Today          `json:"today"`
	Raw      map[string]any `json:"raw"`
}

type Progress struct {
	MonthlyTarget any `json:"monthly_target"`
	Currency      any `json:"currency"`
	TotalRaised   any `json:"total_raised"`
	Remaining     any `json:"remaining"`
	Percent       any `json:"percent"`
}

type Today struct {
	TotalToday     any `json:"total_today"`
	DonationsCount any `json:"donations_count"`
	Currency       any `json:"currency"`
}

// Relay fans out donation-stats updates to frontend WebSocket clients.
type Relay struct {
	mu          sync.Mutex
	clients     map[*websocket.Conn]struct{}
	latest      *Update
	fingerprint string
}

// NewRelay creates an empty Relay.
func NewRelay() *Relay {
	return &Relay{clients: make(map[*websocket.Conn]struct{})}
}

// RegisterClient adds ws to the broadcast set and, if a snapshot is already
// cached, sends it immediately (the cached-snapshot-on-connect behavior of
// donate_stat.py::ConnectionManager.connect).
func (r *Relay) RegisterClient(ws *websocket.Conn) {
	r.mu.Lock()
	r.clients[ws] = struct{}{}
	latest := r.latest
	total := len(r.clients)
	r.mu.Unlock()

	logger.Stats().Info().Int("total", total).Msg("frontend connected")

	if latest != nil {
		if err := ws.WriteJSON(latest); err != nil {
			r.UnregisterClient(ws)
		}
	}
}

// UnregisterClient removes ws from the broadcast set.
func (r *Relay) UnregisterClient(ws *websocket.Conn) {
	r.mu.Lock()
	delete(r.clients, ws)
	total := len(r.clients)
	r.mu.Unlock()

	logger.Stats().Info().Int("total", total).Msg("frontend disconnected")
}

// HandleClientMessage processes an inbound frontend frame; only the
// "refresh" event is meaningful and re-sends the cached snapshot.
func (r *Relay) HandleClientMessage(ws *websocket.Conn, raw []byte) {
	var msg struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Event != "refresh" {
		return
	}

	r.mu.Lock()
	latest := r.latest
	r.mu.Unlock()

	if latest != nil {
		_ = ws.WriteJSON(latest)
	}
}

// HandleUpstream is the upstream.Handler wired to the donation-stats
// upstream consumer.
func (r *Relay) HandleUpstream(msg upstream.Message) {
	if msg.Event != "donation.stats.snapshot" {
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		logger.Stats().Warn().Err(err).Msg("failed to decode donation stats payload")
		return
	}

	fp := fingerprintPayload(payload)

	r.mu.Lock()
	if fp == r.fingerprint {
		r.mu.Unlock()
		return
	}
	r.fingerprint = fp

	update := buildUpdate(payload)
	r.latest = &update
	clients := make([]*websocket.Conn, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	r.broadcast(update, clients)
}

func (r *Relay) broadcast(update Update, clients []*websocket.Conn) {
	var dead []*websocket.Conn
	for _, c := range clients {
		if err := c.WriteJSON(update); err != nil {
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		r.UnregisterClient(c)
	}

	logger.Stats().Info().Int("active_clients", len(clients)-len(dead)).Msg("stats broadcast complete")
}

// fingerprintPayload mirrors donate_stat.py::_payload_fingerprint's stable
// field subset so unrelated upstream noise doesn't trigger a rebroadcast.
func fingerprintPayload(payload map[string]any) string {
	stable := map[string]any{
		"currency":        payload["currency"],
		"today_date":      payload["today_date"],
		"today_total":     payload["today_total"],
		"today_count":     payload["today_count"],
		"month":           payload["month"],
		"monthly_target":  payload["monthly_target"],
		"monthly_total":   payload["monthly_total"],
		"monthly_count":   payload["monthly_count"],
		"percent":         payload["percent"],
		"remaining":       payload["remaining"],
		"net_raised":      payload["net_raised"],
	}
	raw, _ := json.Marshal(stable)
	return string(raw)
}

func buildUpdate(payload map[string]any) Update {
	return Update{
		Event: "donation.stats.update",
		Payload: Payload{
			Progress: Progress{
				MonthlyTarget: payload["monthly_target"],
				Currency:      payload["currency"],
				TotalRaised:   payload["monthly_total"],
				Remaining:     payload["remaining"],
				Percent:       payload["percent"],
			},
			Today: Today{
				TotalToday:     payload["today_total"],
				DonationsCount: payload["today_count"],
				Currency:       payload["currency"],
			},
			Raw: payload,
		},
	}
}
