// Package session implements the gateway's in-memory session registry: the
// authoritative record of which user_id owns which session_id, the bounded
// event log used for idempotency and replay correlation, and the __kv__
// idempotency key/value space layered on top of that log.
package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ws-gateway/internal/logger"
)

const maxEventLog = 1000

// Profile is the minimal user snapshot a session carries; the full
// user-facing projection lives in the profile store (§4.4).
type Profile struct {
	ID           any    `json:"id,omitempty"`
	Email        string `json:"email,omitempty"`
	Username     string `json:"username,omitempty"`
	IsStaff      bool   `json:"is_staff,omitempty"`
	IsSuperuser  bool   `json:"is_superuser,omitempty"`
}

// Session is the data model named in SPEC_FULL.md §3.
type Session struct {
	SessionID  string  `json:"session_id"`
	UserID     string  `json:"user_id"`
	User       Profile `json:"user"`
	State      string  `json:"state"`
	ExpiresTS  float64 `json:"expires_ts,omitempty"`
}

func (s Session) expired() bool {
	return s.ExpiresTS > 0 && s.ExpiresTS < float64(time.Now().Unix())
}

// Event is an append-only event-log entry; event name "__kv__" marks an
// idempotency pseudo-event rather than a real bus event.
type Event struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp float64         `json:"timestamp"`
}

type kvPayload struct {
	Key   string `json:"key"`
	Value bool   `json:"value"`
}

// Snapshot is the upsert input: a normalized auth snapshot arriving from the
// bus or from a DB WS enrichment reply.
type Snapshot struct {
	SessionID string
	UserID    string
	User      Profile
	State     string
	ExpiresAt *time.Time
}

// Store is the Session Store of SPEC_FULL.md §4.3. All mutations take a
// single exclusive lock and persist the full sessions/events state under
// that lock via write-to-temp-then-rename.
type Store struct {
	mu sync.Mutex

	sessions     map[string]Session
	userSessions map[string][]string
	events       []Event

	sessionsPath string
	eventsPath   string
}

// NewStore creates a Session Store persisting to two JSON files under dir.
func NewStore(dir string) *Store {
	s := &Store{
		sessions:     make(map[string]Session),
		userSessions: make(map[string][]string),
		sessionsPath: filepath.Join(dir, "sessions.json"),
		eventsPath:   filepath.Join(dir, "session_events.json"),
	}
	s.load()
	return s
}

type sessionsFile struct {
	Sessions     map[string]Session  `json:"sessions"`
	UserSessions map[string][]string `json:"user_sessions"`
}

func (s *Store) load() {
	log := logger.Session()

	if data, err := os.ReadFile(s.sessionsPath); err == nil {
		var f sessionsFile
		if err := json.Unmarshal(data, &f); err == nil {
			s.sessions = f.Sessions
			s.userSessions = f.UserSessions
			if s.sessions == nil {
				s.sessions = make(map[string]Session)
			}
			if s.userSessions == nil {
				s.userSessions = make(map[string][]string)
			}
		} else {
			log.Warn().Err(err).Msg("failed to parse sessions file")
		}
	}

	if data, err := os.ReadFile(s.eventsPath); err == nil {
		if err := json.Unmarshal(data, &s.events); err != nil {
			log.Warn().Err(err).Msg("failed to parse session events file")
		}
	}
}

// save must be called with s.mu held. It writes both files atomically via
// write-to-temp-then-rename, per SPEC_FULL.md §9.
func (s *Store) save() {
	log := logger.Session()

	if err := writeAtomic(s.sessionsPath, sessionsFile{Sessions: s.sessions, UserSessions: s.userSessions}); err != nil {
		log.Error().Err(err).Msg("failed to persist sessions")
	}
	if err := writeAtomic(s.eventsPath, s.events); err != nil {
		log.Error().Err(err).Msg("failed to persist session events")
	}
}

func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + "." + uuid.New().String() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Upsert applies the algorithm of SPEC_FULL.md §4.3. Anonymous session ids
// ("anon_" prefix) and snapshots missing a session or user id are rejected
// outright.
func (s *Store) Upsert(snap Snapshot) {
	if snap.SessionID == "" || snap.UserID == "" || strings.HasPrefix(snap.SessionID, "anon_") {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.State != "active" {
		delete(s.sessions, snap.SessionID)
		s.userSessions[snap.UserID] = removeString(s.userSessions[snap.UserID], snap.SessionID)
		s.save()
		return
	}

	var expiresTS float64
	if snap.ExpiresAt != nil {
		expiresTS = float64(snap.ExpiresAt.Unix())
	}

	for _, oldSID := range s.userSessions[snap.UserID] {
		delete(s.sessions, oldSID)
	}

	s.sessions[snap.SessionID] = Session{
		SessionID: snap.SessionID,
		UserID:    snap.UserID,
		User:      snap.User,
		State:     snap.State,
		ExpiresTS: expiresTS,
	}
	s.userSessions[snap.UserID] = []string{snap.SessionID}

	s.save()
}

// Get returns the session or false, lazily evicting it if expired.
func (s *Store) Get(sessionID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	if sess.expired() {
		delete(s.sessions, sessionID)
		s.userSessions[sess.UserID] = removeString(s.userSessions[sess.UserID], sessionID)
		s.save()
		return Session{}, false
	}
	return sess, true
}

// GetUserSessions returns every still-live session for a user (at most one,
// post single-active-session enforcement).
func (s *Store) GetUserSessions(userID string) []Session {
	s.mu.Lock()
	sids := append([]string(nil), s.userSessions[userID]...)
	s.mu.Unlock()

	out := make([]Session, 0, len(sids))
	for _, sid := range sids {
		if sess, ok := s.Get(sid); ok {
			out = append(out, sess)
		}
	}
	return out
}

// RemoveSession evicts a single session and its reverse-map entry.
func (s *Store) RemoveSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	delete(s.sessions, sessionID)
	s.userSessions[sess.UserID] = removeString(s.userSessions[sess.UserID], sessionID)
	s.save()
}

// RemoveUserSessions evicts every session belonging to a user.
func (s *Store) RemoveUserSessions(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sid := range s.userSessions[userID] {
		delete(s.sessions, sid)
	}
	delete(s.userSessions, userID)
	s.save()
}

// StoreEvent appends to the bounded event log, dropping the oldest entry
// once the cap is exceeded.
func (s *Store) StoreEvent(eventName string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage("null")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, Event{
		Event:     eventName,
		Payload:   raw,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	})
	s.trimEventsLocked()
	s.save()
}

func (s *Store) trimEventsLocked() {
	if len(s.events) > maxEventLog {
		s.events = s.events[len(s.events)-maxEventLog:]
	}
}

// Events returns a copy of the event log.
func (s *Store) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Exists reports whether an idempotency key was previously recorded via Set.
func (s *Store) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.events {
		if e.Event != "__kv__" {
			continue
		}
		var p kvPayload
		if err := json.Unmarshal(e.Payload, &p); err == nil && p.Key == key {
			return true
		}
	}
	return false
}

// Set records an idempotency key as a synthetic __kv__ event.
func (s *Store) Set(key string) {
	raw, _ := json.Marshal(kvPayload{Key: key, Value: true})

	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, Event{
		Event:     "__kv__",
		Payload:   raw,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	})
	s.trimEventsLocked()
	s.save()
}

func removeString(list []string, target string) []string {
	out := list[:0]
	for _, v := range list {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}
