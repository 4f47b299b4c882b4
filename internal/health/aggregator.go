// Package health implements the Health Aggregator (SPEC_FULL.md §4.9): it
// tracks the last-known status of every configured upstream service and
// streams the aggregated snapshot to subscribed clients. Grounded on
// original_source/services/WebSocket-Server/main.py's health-aggregation
// section (_aggregated_health_snapshot, consume_service_health_stream).
package health

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ws-gateway/internal/logger"
	"ws-gateway/internal/upstream"
)

// ServiceStatus is one upstream's last-known health.
type ServiceStatus struct {
	Service   string         `json:"service"`
	URL       string         `json:"url"`
	OK        bool           `json:"ok"`
	Status    string         `json:"status"`
	Payload   map[string]any `json:"payload,omitempty"`
	Error     string         `json:"error,omitempty"`
	UpdatedAt string         `json:"updated_at"`
}

// Snapshot is the aggregated view sent to clients.
type Snapshot struct {
	Status    string                   `json:"status"`
	UpdatedAt string                   `json:"updated_at"`
	Services  map[string]ServiceStatus `json:"services"`
}

// Aggregator owns the per-service state table and the set of subscribed
// health-stream clients.
type Aggregator struct {
	mu          sync.Mutex
	services    map[string]ServiceStatus
	urls        map[string]string
	clients     map[*websocket.Conn]struct{}
	fingerprint string
}

// NewAggregator creates an Aggregator for the named services at urls.
func NewAggregator(urls map[string]string) *Aggregator {
	a := &Aggregator{
		services: make(map[string]ServiceStatus),
		urls:     urls,
		clients:  make(map[*websocket.Conn]struct{}),
	}
	return a
}

func isPayloadOK(payload map[string]any) bool {
	status := strings.ToLower(toString(payload["status"]))
	database := strings.ToLower(toString(payload["database"]))

	if status == "ok" || status == "healthy" {
		return true
	}
	if status == "degraded" && (database == "connected" || database == "ok") {
		return true
	}
	return false
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}

// Snapshot returns the current aggregated health view.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	services := make(map[string]ServiceStatus, len(a.urls))
	allOK := true
	for name, url := range a.urls {
		if entry, ok := a.services[name]; ok {
			services[name] = entry
			if !entry.OK {
				allOK = false
			}
			continue
		}
		services[name] = ServiceStatus{Service: name, URL: url, OK: false, Status: "unknown", UpdatedAt: now()}
		allOK = false
	}

	status := "degraded"
	if allOK {
		status = "ok"
	}
	return Snapshot{Status: status, UpdatedAt: now(), Services: services}
}

func now() string { return time.Now().UTC().Format(time.RFC3339) }

// OnConnected records a service transitioning to a live connected state,
// called when the upstream consumer dials successfully.
func (a *Aggregator) OnConnected(name, url string) {
	a.mu.Lock()
	a.services[name] = ServiceStatus{Service: name, URL: url, OK: true, Status: "connected", UpdatedAt: now()}
	a.mu.Unlock()
	a.broadcast()
}

// OnError records a service transitioning to an error state, called when the
// upstream consumer's connection drops.
func (a *Aggregator) OnError(name, url string, err error) {
	a.mu.Lock()
	a.services[name] = ServiceStatus{Service: name, URL: url, OK: false, Status: "error", Error: err.Error(), UpdatedAt: now()}
	a.mu.Unlock()
	a.broadcast()
}

// HandlerFor returns an upstream.Handler that updates name's status from
// each received message's payload, matching consume_service_health_stream's
// per-message state update.
func (a *Aggregator) HandlerFor(name, url string) upstream.Handler {
	return func(msg upstream.Message) {
		var payload map[string]any
		if len(msg.Payload) > 0 {
			_ = json.Unmarshal(msg.Payload, &payload)
		}
		if payload == nil {
			payload = map[string]any{"status": "unknown"}
		}

		status := strings.ToLower(toString(payload["status"]))
		if status == "" {
			status = "unknown"
		}

		a.mu.Lock()
		a.services[name] = ServiceStatus{
			Service: name, URL: url, OK: isPayloadOK(payload), Status: status, Payload: payload, UpdatedAt: now(),
		}
		a.mu.Unlock()
		a.broadcast()
	}
}

// RegisterClient adds ws to the health-stream subscriber set and sends the
// current snapshot immediately.
func (a *Aggregator) RegisterClient(ws *websocket.Conn) {
	a.mu.Lock()
	a.clients[ws] = struct{}{}
	a.mu.Unlock()

	_ = ws.WriteJSON(map[string]any{"event": "services.health", "payload": a.Snapshot()})
}

// UnregisterClient removes ws from the subscriber set.
func (a *Aggregator) UnregisterClient(ws *websocket.Conn) {
	a.mu.Lock()
	delete(a.clients, ws)
	a.mu.Unlock()
}

// Refresh re-sends the current snapshot to ws (client-initiated
// refresh/health.get).
func (a *Aggregator) Refresh(ws *websocket.Conn) {
	_ = ws.WriteJSON(map[string]any{"event": "services.health", "payload": a.Snapshot()})
}

// fingerprintServices hashes the business-meaningful fields of the service
// table (name, ok, status, payload), excluding the volatile updated_at/error
// text, so unrelated timestamp churn doesn't trigger a rebroadcast.
func fingerprintServices(services map[string]ServiceStatus) string {
	stable := make(map[string]any, len(services))
	for name, s := range services {
		stable[name] = map[string]any{"ok": s.OK, "status": s.Status, "payload": s.Payload}
	}
	raw, _ := json.Marshal(stable)
	return string(raw)
}

func (a *Aggregator) broadcast() {
	a.mu.Lock()
	fp := fingerprintServices(a.services)
	if fp == a.fingerprint {
		a.mu.Unlock()
		return
	}
	a.fingerprint = fp
	clients := make([]*websocket.Conn, 0, len(a.clients))
	for c := range a.clients {
		clients = append(clients, c)
	}
	a.mu.Unlock()

	if len(clients) == 0 {
		return
	}

	snap := a.Snapshot()
	var dead []*websocket.Conn
	for _, c := range clients {
		if err := c.WriteJSON(map[string]any{"event": "services.health", "payload": snap}); err != nil {
			dead = append(dead, c)
		}
	}
	if len(dead) == 0 {
		return
	}

	a.mu.Lock()
	for _, c := range dead {
		delete(a.clients, c)
	}
	a.mu.Unlock()
	logger.Health().Debug().Int("dead", len(dead)).Msg("pruned dead health stream subscribers")
}
