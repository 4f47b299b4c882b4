// Package gateway assembles the gateway's HTTP/WebSocket surface
// (SPEC_FULL.md §4.10): the primary auth WS endpoint, the donation-stats,
// support and health relays, and the plain health check, behind a gin
// router. Grounded on
// original_source/services/WebSocket-Server/main.py (websocket_endpoint,
// ws_support_stream, ws_health_stream, health) and ws_handler.py/
// auth_sessions.py for the /ws connect and replay semantics.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ws-gateway/internal/authevents"
	"ws-gateway/internal/bus"
	"ws-gateway/internal/config"
	"ws-gateway/internal/connection"
	apperrors "ws-gateway/internal/errors"
	"ws-gateway/internal/health"
	"ws-gateway/internal/logger"
	"ws-gateway/internal/middleware"
	"ws-gateway/internal/profile"
	"ws-gateway/internal/session"
	"ws-gateway/internal/stats"
	"ws-gateway/internal/support"
)

// Server wires the session/profile/connection state and the four relays
// behind a gin.Engine.
type Server struct {
	cfg *config.Config

	sessions  *session.Store
	profiles  *profile.Store
	conns     *connection.Manager
	processor *authevents.Processor
	db        authevents.DBClient

	statsRelay   *stats.Relay
	supportRelay *support.Relay
	healthAgg    *health.Aggregator

	busClient *bus.Client

	upgrader websocket.Upgrader
}

// New builds a Server from its constituent components. db may be nil.
func New(
	cfg *config.Config,
	sessions *session.Store,
	profiles *profile.Store,
	conns *connection.Manager,
	processor *authevents.Processor,
	db authevents.DBClient,
	statsRelay *stats.Relay,
	supportRelay *support.Relay,
	healthAgg *health.Aggregator,
	busClient *bus.Client,
) *Server {
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		profiles:     profiles,
		conns:        conns,
		processor:    processor,
		db:           db,
		statsRelay:   statsRelay,
		supportRelay: supportRelay,
		healthAgg:    healthAgg,
		busClient:    busClient,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Router builds the gin.Engine, middleware chain and route table.
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	loggerConfig := middleware.DefaultStructuredLoggerConfig()
	loggerConfig.SkipHealthCheck = true

	timeoutConfig := middleware.DefaultTimeoutConfig()
	timeoutConfig.ExcludedPaths = []string{"/ws", "/donation-stats/ws"}

	router.Use(
		middleware.RequestID(),
		apperrors.Recovery(),
		middleware.SecurityHeaders(),
		middleware.StructuredLoggerWithConfigFunc(loggerConfig),
		middleware.Timeout(timeoutConfig),
		middleware.AllowedHTTPMethods(),
		middleware.DisallowedHTTPMethods(),
		middleware.DefaultSizeLimiter(),
		s.corsMiddleware(),
		middleware.GzipWithExclusions(middleware.DefaultCompression, []string{"/ws", "/donation-stats/ws"}),
		apperrors.ErrorHandler(),
	)

	router.GET("/health", s.handleHealth)

	router.GET("/ws", s.wsOr426("/ws", s.handleAuthWS))
	router.GET("/ws/status", s.wsOr426("/ws/status", s.handleAuthWS))
	router.GET("/donation-stats/ws", s.wsOr426("/donation-stats/ws", s.handleDonationStatsWS))
	router.GET("/ws/support", s.wsOr426("/ws/support", s.handleSupportWS))
	router.GET("/ws/health", s.wsOr426("/ws/health", s.handleHealthWS))

	return router
}

// corsMiddleware reads its origin whitelist from Config.AllowedOrigins and
// treats "*" as an allow-all wildcard for the gateway's own WS clients.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	allowAll := false
	allowed := make(map[string]bool, len(s.cfg.AllowedOrigins))
	for _, origin := range s.cfg.AllowedOrigins {
		if origin == "*" {
			allowAll = true
			continue
		}
		allowed[origin] = true
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		if allowAll && origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		} else if allowed[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		c.Writer.Header().Set("Access-Control-Allow-Headers",
			"Content-Type, Content-Length, Accept-Encoding, Authorization, Cache-Control, X-Requested-With, "+
				"Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Extensions, Sec-WebSocket-Protocol")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// wsOr426 dispatches to handler for genuine WebSocket upgrade requests and
// otherwise answers like the *_http() companion handlers in main.py: a
// plain GET on a WS-only route gets 426 Upgrade Required.
func (s *Server) wsOr426(path string, handler gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isUpgradeRequest(c.Request) {
			handler(c)
			return
		}
		c.Header("Upgrade", "websocket")
		apperrors.AbortWithError(c, apperrors.NewWithDetails(
			apperrors.ErrCodeUpgradeRequired, "this endpoint requires a WebSocket upgrade", "use WebSocket protocol for "+path))
	}
}

func isUpgradeRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": s.conns.Count(),
		"health_ws":   "/ws/health",
		"support_ws":  "/ws/support",
	})
}

// handleAuthWS serves the primary auth relay at /ws and /ws/status.
func (s *Server) handleAuthWS(c *gin.Context) {
	sessionID, _ := c.Cookie(s.cfg.CookieName)
	if sessionID == "" {
		sessionID = "anon_" + uuid.New().String()
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Gateway().Warn().Err(err).Msg("auth ws upgrade failed")
		return
	}
	defer s.conns.Disconnect(sessionID)

	log := logger.Gateway().With().Str("session_id", sessionID).Logger()
	log.Info().Msg("auth ws connected")

	s.conns.Connect(sessionID, ws)

	if !s.replaySession(ws, sessionID) {
		s.sendSessionSnapshot(ws, sessionID, "")
	}

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			log.Info().Err(err).Msg("auth ws disconnected")
			return
		}

		var frame map[string]any
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		event, _ := frame["event"].(string)

		switch event {
		case "auth.session.get":
			userID, _ := frame["user_id"].(string)
			s.sendSessionSnapshot(ws, sessionID, userID)
		case "on.connect":
			s.onConnect(ws, sessionID, frame)
		default:
			_ = ws.WriteJSON(map[string]any{"event": "unknown", "data": frame})
		}
	}
}

// replaySession mirrors replay_auth_session: it sends the session's last
// known user payload immediately on connect if one exists.
func (s *Server) replaySession(ws *websocket.Conn, sessionID string) bool {
	sess, ok := s.sessions.Get(sessionID)
	if !ok || sess.UserID == "" {
		return false
	}
	s.sendUserSession(ws, sessionID, sess)
	s.sendProfile(sess.UserID)
	return true
}

// sendSessionSnapshot mirrors handle_auth_session_get: falls back to the
// session_id lookup, then the user's most recent session, then
// auth.anonymous.
func (s *Server) sendSessionSnapshot(ws *websocket.Conn, sessionID, userID string) {
	sess, ok := s.sessions.Get(sessionID)
	if !ok && userID != "" {
		if userSessions := s.sessions.GetUserSessions(userID); len(userSessions) > 0 {
			sess, ok = userSessions[len(userSessions)-1], true
		}
	}
	if !ok {
		_ = ws.WriteJSON(map[string]any{"event": "auth.anonymous"})
		return
	}

	s.sendUserSession(ws, sessionID, sess)
	s.sendProfile(sess.UserID)
}

func (s *Server) sendUserSession(ws *websocket.Conn, sessionID string, sess session.Session) {
	_ = ws.WriteJSON(map[string]any{
		"event": "auth.user.session",
		"data": map[string]any{
			"session_id": sessionID,
			"user_id":    sess.UserID,
			"state":      sess.State,
			"user":       sess.User,
		},
		"meta": map[string]any{"replayed": true, "source": "session_store"},
	})
}

// sendProfile mirrors send_profile_to_ws: pushes the canonical full
// profile, when one exists, to every socket attached to the session's user.
func (s *Server) sendProfile(userID string) {
	if userID == "" {
		return
	}
	fp, ok := s.profiles.GetFullProfile(userID)
	if !ok {
		return
	}
	s.conns.BroadcastToUser(userID, map[string]any{
		"event": "auth.user.profile",
		"data":  fp,
		"meta":  map[string]any{"replayed": true, "source": "user_session_store"},
	})
}

// onConnect mirrors ws_handler.py::on_connect: resolve the session either
// from the store, the user's other sessions, or (if wired) a DB WS lookup,
// then push the resolved profile or an anonymous notice.
func (s *Server) onConnect(ws *websocket.Conn, sessionID string, payload map[string]any) {
	userID, _ := payload["user_id"].(string)
	email, _ := payload["email"].(string)

	sess, ok := s.sessions.Get(sessionID)
	if !ok && userID != "" {
		if userSessions := s.sessions.GetUserSessions(userID); len(userSessions) > 0 {
			sess, ok = userSessions[len(userSessions)-1], true
		}
	}

	if !ok && s.db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		result, err := s.db.GetUser(ctx, sessionID, email, userID)
		cancel()
		if err != nil {
			logger.Gateway().Warn().Err(err).Str("session_id", sessionID).Msg("db ws restore failed")
		} else if result != nil {
			sess = session.Session{UserID: result.UserID, SessionID: sessionID, State: "active"}
			s.sessions.Upsert(session.Snapshot{SessionID: sessionID, UserID: result.UserID, State: "active"})
			ok = true
		}
	}

	if !ok || sess.UserID == "" {
		_ = ws.WriteJSON(map[string]any{"event": "auth.anonymous"})
		return
	}

	fp, hasProfile := s.profiles.GetFullProfile(sess.UserID)
	var profilePayload any = sess.User
	if hasProfile {
		profilePayload = fp
	}

	ok2 := s.conns.SafeSend(sessionID, map[string]any{
		"event":      "auth.user.profile",
		"user_id":    sess.UserID,
		"session_id": sessionID,
		"profile":    profilePayload,
	})
	if ok2 {
		s.conns.AttachUser(sessionID, sess.UserID)
	}
}

func (s *Server) handleDonationStatsWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Gateway().Warn().Err(err).Msg("donation-stats ws upgrade failed")
		return
	}
	defer s.statsRelay.UnregisterClient(ws)
	defer ws.Close()

	s.statsRelay.RegisterClient(ws)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.statsRelay.HandleClientMessage(ws, raw)
	}
}

func (s *Server) handleSupportWS(c *gin.Context) {
	filters := support.Filters{
		ProjectID: c.Query("project_id"),
		UserID:    c.Query("user_id"),
		TicketID:  c.Query("ticket_id"),
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Gateway().Warn().Err(err).Msg("support ws upgrade failed")
		return
	}
	defer s.supportRelay.Unsubscribe(ws)
	defer ws.Close()

	s.supportRelay.Subscribe(ws, filters)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg struct {
			Event   string          `json:"event"`
			Filters support.Filters `json:"filters"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			msg.Event = strings.ToLower(strings.TrimSpace(string(raw)))
		}
		s.supportRelay.HandleClientMessage(ws, msg.Event, msg.Filters)
	}
}

func (s *Server) handleHealthWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Gateway().Warn().Err(err).Msg("health ws upgrade failed")
		return
	}
	defer s.healthAgg.UnregisterClient(ws)
	defer ws.Close()

	s.healthAgg.RegisterClient(ws)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msg := strings.ToLower(strings.TrimSpace(string(raw)))
		if msg == "refresh" || msg == "health.get" {
			s.healthAgg.Refresh(ws)
		}
	}
}
