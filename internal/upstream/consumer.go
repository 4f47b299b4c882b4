// Package upstream implements a persistent, self-healing WebSocket consumer
// dialing an internal data service and streaming its messages to a handler.
// Grounded on original_source/services/WebSocket-Server/donate_stat.py
// (stats_listener_loop) and main.py's consume_service_health_stream, both of
// which share the same dial/reconnect/ping shape; unified here into one
// reusable type against gorilla/websocket, matching the teacher's dial
// conventions in cmd/main.go.
package upstream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"ws-gateway/internal/logger"
)

const (
	pingInterval = 20 * time.Second
	pingTimeout  = 20 * time.Second
)

// Message is one decoded upstream frame.
type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Handler processes one upstream message. Errors are logged but never stop
// the consumer; only connection loss triggers a reconnect.
type Handler func(Message)

// Consumer dials a single upstream WebSocket URL and redelivers every
// message it receives to Handler, reconnecting with a fixed delay on any
// error, for as long as the supplied context is live.
type Consumer struct {
	Name          string
	URL           string
	ReconnectWait time.Duration

	// Primer, if set, is sent once immediately after connecting (the
	// explicit "donation.stats.get" refresh request in donate_stat.py).
	Primer any

	Handler Handler

	// OnConnect, if set, is called after every successful dial.
	OnConnect func()

	// OnDisconnect, if set, is called whenever the connection drops or
	// fails to dial, with the error that ended the connection.
	OnDisconnect func(err error)
}

// Run blocks until ctx is cancelled, dialing and redialing URL.
func (c *Consumer) Run(ctx context.Context) {
	log := logger.Upstream().With().Str("service", c.Name).Logger()
	wait := c.ReconnectWait
	if wait <= 0 {
		wait = 5 * time.Second
	}

	for {
		if ctx.Err() != nil {
			return
		}

		if err := c.runOnce(ctx, &log); err != nil {
			log.Warn().Err(err).Str("url", c.URL).Msg("upstream connection error")
			if c.OnDisconnect != nil {
				c.OnDisconnect(err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *Consumer) runOnce(ctx context.Context, log *zerolog.Logger) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	log.Info().Str("url", c.URL).Msg("upstream connected")
	if c.OnConnect != nil {
		c.OnConnect()
	}

	ws.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go c.pingLoop(ws, done)

	if c.Primer != nil {
		if err := ws.WriteJSON(c.Primer); err != nil {
			return err
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		_, raw, err := ws.ReadMessage()
		if err != nil {
			return err
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warn().Err(err).Msg("failed to decode upstream message")
			continue
		}

		c.Handler(msg)
	}
}

func (c *Consumer) pingLoop(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingTimeout)); err != nil {
				return
			}
		}
	}
}
