package authevents

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/google/uuid"

	"ws-gateway/internal/logger"
	"ws-gateway/internal/profile"
)

// DBUserResult is what a successful enrichment lookup resolves to.
type DBUserResult struct {
	UserID    string
	SessionID string
	User      map[string]any
}

// DBClient resolves a session/email/user_id triple against the
// authentication database over a persistent WebSocket, grounded on
// original_source/services/WebSocket-Server/db_ws_client.py.
type DBClient interface {
	GetUser(ctx context.Context, sessionID, email, userID string) (*DBUserResult, error)
}

type pendingRequest struct {
	resultCh chan map[string]any
}

// WSDBClient is the concrete DBClient: one persistent connection, requests
// correlated by request_id, and passive db.user.updated/db.user.result push
// events applied straight to the profile store, exactly as
// db_ws_client.py::_store_user_session does for both paths.
type WSDBClient struct {
	url      string
	profiles *profile.Store

	mu        sync.Mutex
	ws        *websocket.Conn
	connected chan struct{}
	pending   map[string]*pendingRequest

	// writeMu serializes writes to ws: gorilla/websocket forbids concurrent
	// writers, and GetUser can be called concurrently for distinct sessions.
	writeMu sync.Mutex
}

// NewWSDBClient creates a client for the given DB WS URL. Run must be
// started in its own goroutine before GetUser is used.
func NewWSDBClient(url string, profiles *profile.Store) *WSDBClient {
	return &WSDBClient{
		url:       url,
		profiles:  profiles,
		connected: make(chan struct{}),
		pending:   make(map[string]*pendingRequest),
	}
}

// Run maintains the persistent connection, reconnecting on any error every
// 2 seconds, until ctx is cancelled.
func (c *WSDBClient) Run(ctx context.Context) {
	log := logger.Auth()

	for {
		if ctx.Err() != nil {
			return
		}

		if err := c.runOnce(ctx); err != nil {
			log.Warn().Err(err).Msg("db ws lost, reconnecting")
		}

		c.mu.Lock()
		c.ws = nil
		c.connected = make(chan struct{})
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (c *WSDBClient) runOnce(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	c.mu.Lock()
	c.ws = ws
	connected := c.connected
	c.mu.Unlock()
	close(connected)

	logger.Auth().Info().Str("url", c.url).Msg("db ws connected")

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return err
		}

		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			continue
		}

		if requestID, ok := payload["request_id"].(string); ok && requestID != "" {
			c.mu.Lock()
			req, ok := c.pending[requestID]
			if ok {
				delete(c.pending, requestID)
			}
			c.mu.Unlock()
			if ok {
				req.resultCh <- payload
			}
		}

		if event, _ := payload["event"].(string); event == "db.user.updated" || event == "db.user.result" {
			c.storeUserSession(payload)
		}
	}
}

// storeUserSession applies a push update straight to the profile store,
// matching db_ws_client.py::_store_user_session.
func (c *WSDBClient) storeUserSession(response map[string]any) {
	user, _ := response["user"].(map[string]any)
	if user == nil {
		return
	}

	userID := stringField(user, "id")
	sessionID, _ := response["session_id"].(string)
	if sessionID == "" {
		sessionID = fmt.Sprintf("anon_%s", userID)
	}

	c.profiles.UpdateUserSession(profile.UserSession{
		UserID:    userID,
		SessionID: sessionID,
		Profile:   buildFullProfile(user),
	})
}

// GetUser sends a db.user.get request and waits up to 3 seconds for a
// correlated response, matching db_ws_client.py's timeout.
func (c *WSDBClient) GetUser(ctx context.Context, sessionID, email, userID string) (*DBUserResult, error) {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()

	select {
	case <-connected:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(3 * time.Second):
		return nil, fmt.Errorf("db ws: not connected")
	}

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return nil, fmt.Errorf("db ws: not connected")
	}

	requestID := uuid.New().String()
	req := &pendingRequest{resultCh: make(chan map[string]any, 1)}

	c.mu.Lock()
	c.pending[requestID] = req
	c.mu.Unlock()

	payload := map[string]any{"event": "db.user.get", "request_id": requestID, "db": "default"}
	if sessionID != "" {
		payload["session_id"] = sessionID
	}
	if email != "" {
		payload["email"] = email
	}
	if userID != "" {
		payload["user_id"] = userID
	}

	c.writeMu.Lock()
	err := ws.WriteJSON(payload)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case response := <-req.resultCh:
		c.storeUserSession(response)
		found, _ := response["found"].(bool)
		if !found {
			return nil, nil
		}
		user, _ := response["user"].(map[string]any)
		if user == nil {
			return nil, nil
		}
		respSessionID, _ := response["session_id"].(string)
		return &DBUserResult{UserID: stringField(user, "id"), SessionID: respSessionID, User: user}, nil
	case <-time.After(3 * time.Second):
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return nil, fmt.Errorf("db ws: request timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%v", v)
	default:
		return ""
	}
}
