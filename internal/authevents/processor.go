// Package authevents implements the Auth Event Processor (SPEC_FULL.md
// §4.6): the canonical handler for every auth.session.snapshot/auth.logout
// event arriving off the bus, grounded precisely on
// original_source/services/WebSocket-Server/rabbit_consumer.py::process_snapshot.
package authevents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"ws-gateway/internal/bus"
	"ws-gateway/internal/cache"
	"ws-gateway/internal/connection"
	"ws-gateway/internal/logger"
	"ws-gateway/internal/profile"
	"ws-gateway/internal/session"
	"ws-gateway/internal/stats"
)

// enrichLockTTL bounds how long a distributed enrichment lock survives a
// crashed gateway instance.
const enrichLockTTL = 10 * time.Second

// seenCap bounds the duplicate-fingerprint set the same way the session
// store's event log is capped (SPEC_FULL.md §3): oldest fingerprints are
// evicted first so the process-lifetime map can't grow unbounded.
const seenCap = 1000

// Processor applies auth bus events to the session store, profile store and
// live connections, with duplicate-event and in-flight-enrichment guards.
type Processor struct {
	sessions *session.Store
	profiles *profile.Store
	conns    *connection.Manager
	db       DBClient
	cache    *cache.Cache

	statsRelay *stats.Relay
	busPub     stats.Publisher

	mu        sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
	inflight  map[string]struct{}
}

// NewProcessor builds a Processor. db may be nil to disable DB WS
// enrichment entirely (the restore step is then simply skipped).
func NewProcessor(sessions *session.Store, profiles *profile.Store, conns *connection.Manager, db DBClient) *Processor {
	return &Processor{
		sessions: sessions,
		profiles: profiles,
		conns:    conns,
		db:       db,
		seen:     make(map[string]struct{}),
		inflight: make(map[string]struct{}),
	}
}

// WithCache attaches a Redis-backed cache used to coordinate the in-flight
// DB enrichment lock across multiple gateway instances. When c is nil or
// disabled, the lock stays process-local (the map in Processor.inflight).
func (p *Processor) WithCache(c *cache.Cache) *Processor {
	p.cache = c
	return p
}

// WithStatsRefresh attaches the Stats Relay and a bus publisher so donation
// ledger updates can request an aggregate stats refresh.
func (p *Processor) WithStatsRefresh(relay *stats.Relay, pub stats.Publisher) *Processor {
	p.statsRelay = relay
	p.busPub = pub
	return p
}

// HandleEnvelope adapts a bus envelope to ProcessSnapshot; wire this as the
// bus.Handler for the ws_gateway.auth queue.
func (p *Processor) HandleEnvelope(ctx context.Context, env bus.Envelope, routingKey string) error {
	eventName := env.Event
	if eventName == "" {
		eventName = routingKey
	}
	p.ProcessSnapshot(ctx, env.DataAsMap(), eventName, false)
	return nil
}

// HandleDonationEvent reacts to donation.created/donation.updated bus events,
// updating the donating user's ledger and broadcasting donation.snapshot to
// their live connections. Grounded on
// original_source/services/WebSocket-Server/user_donation_store.py::
// update_user_donations and retrieve_and_push_user_donations.
func (p *Processor) HandleDonationEvent(ctx context.Context, env bus.Envelope, routingKey string) error {
	data := env.DataAsMap()

	userID := stringField(data, "user_id")
	if userID == "" {
		logger.Auth().Warn().Str("routing_key", routingKey).Msg("donation event missing user_id")
		return nil
	}

	entry := p.profiles.UpdateUserDonations(userID, []map[string]any{data}, stringField(data, "session_id"))

	if p.conns != nil {
		donations := make([]map[string]any, 0, len(entry.Donations))
		for _, d := range entry.Donations {
			donations = append(donations, d.Raw)
		}
		p.conns.BroadcastToUser(userID, map[string]any{
			"event":      "donation.snapshot",
			"user_id":    userID,
			"donations":  donations,
			"updated_at": entry.UpdatedAt,
		})
	}

	logger.Auth().Info().Str("user_id", userID).Str("routing_key", routingKey).Msg("donation ledger updated")

	if p.statsRelay != nil && p.busPub != nil {
		_ = p.statsRelay.RequestRefresh(ctx, p.busPub)
	}

	return nil
}

func fingerprint(snapshot map[string]any) string {
	raw, _ := json.Marshal(snapshot)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ProcessSnapshot is the canonical auth event handler. isReplay marks events
// redelivered from a replay/backfill source rather than live consumption.
func (p *Processor) ProcessSnapshot(ctx context.Context, snapshot map[string]any, eventName string, isReplay bool) {
	log := logger.Auth()
	now := time.Now().UTC()

	fp := fingerprint(snapshot)
	p.mu.Lock()
	if _, dup := p.seen[fp]; dup {
		p.mu.Unlock()
		log.Debug().Str("fingerprint", fp).Msg("duplicate auth event ignored")
		return
	}
	p.seen[fp] = struct{}{}
	p.seenOrder = append(p.seenOrder, fp)
	if len(p.seenOrder) > seenCap {
		oldest := p.seenOrder[0]
		p.seenOrder = p.seenOrder[1:]
		delete(p.seen, oldest)
	}
	p.mu.Unlock()

	userID := stringField(snapshot, "user_id")
	sessionID := stringField(snapshot, "session_id")
	state := stringField(snapshot, "state")
	if state == "" {
		if eventName == "auth.logout" {
			state = "logged_out"
		} else {
			state = "active"
		}
	}
	profileRaw, _ := snapshot["profile"].(map[string]any)

	if userID == "" || strings.HasPrefix(sessionID, "anon_") {
		log.Debug().Str("session_id", sessionID).Msg("skipped anonymous session")
		return
	}

	storedEvent := make(map[string]any, len(snapshot)+2)
	for k, v := range snapshot {
		storedEvent[k] = v
	}
	storedEvent["ts"] = now.Format(time.RFC3339)
	storedEvent["replay"] = isReplay
	p.sessions.StoreEvent(eventName, storedEvent)

	if state != "active" {
		p.handleInactive(userID, sessionID, state, now, isReplay)
		return
	}

	if sessionID == "" {
		log.Warn().Str("user_id", userID).Msg("active auth event missing session_id")
		return
	}

	p.sessions.Upsert(session.Snapshot{
		SessionID: sessionID,
		UserID:    userID,
		State:     state,
		User:      sessionProfileFrom(profileRaw),
	})

	log.Info().Str("user_id", userID).Str("session_id", sessionID).Bool("replay", isReplay).Msg("auth snapshot applied")

	if p.conns != nil {
		p.conns.AttachUser(sessionID, userID)
		p.conns.BroadcastToUser(userID, map[string]any{
			"event": "auth.user.session",
			"data": map[string]any{
				"session_id": sessionID,
				"user_id":    userID,
				"state":      state,
				"user":       sessionProfileFrom(profileRaw),
			},
			"meta": map[string]any{"ts": now.Format(time.RFC3339), "replay": isReplay},
		})
		if profileRaw != nil {
			p.conns.BroadcastToUser(userID, map[string]any{
				"event":      "auth.user.profile",
				"user_id":    userID,
				"session_id": sessionID,
				"profile":    profileRaw,
				"meta":       map[string]any{"ts": now.Format(time.RFC3339), "replay": isReplay},
			})
		}
	}

	p.maybeEnrichFromDB(ctx, userID, sessionID, profileRaw)
}

func (p *Processor) handleInactive(userID, sessionID, state string, now time.Time, isReplay bool) {
	p.sessions.RemoveUserSessions(userID)
	p.profiles.RemoveUserSession(userID)
	if sessionID != "" {
		p.profiles.RemoveBySessionID(sessionID)
	}

	if p.conns != nil {
		meta := map[string]any{"ts": now.Format(time.RFC3339), "replay": isReplay}
		p.conns.BroadcastToUser(userID, map[string]any{
			"event": "auth.logged_out", "user_id": userID, "session_id": sessionID, "state": state, "meta": meta,
		})
		p.conns.BroadcastToUser(userID, map[string]any{
			"event": "auth.anonymous", "user_id": userID, "session_id": sessionID, "meta": meta,
		})
		p.conns.DetachUser(userID)
		if sessionID != "" {
			p.conns.DetachSession(sessionID)
		}
	}

	logger.Auth().Info().Str("user_id", userID).Str("session_id", sessionID).Str("state", state).Bool("replay", isReplay).Msg("auth session invalidated")
}

func (p *Processor) maybeEnrichFromDB(ctx context.Context, userID, sessionID string, profileRaw map[string]any) {
	if p.db == nil {
		return
	}

	requestKey := fmt.Sprintf("%s:%s", userID, sessionID)

	p.mu.Lock()
	if _, inflight := p.inflight[requestKey]; inflight {
		p.mu.Unlock()
		return
	}
	p.inflight[requestKey] = struct{}{}
	p.mu.Unlock()

	release := func() {}
	if p.cache != nil && p.cache.IsEnabled() {
		lockKey := cache.EnrichmentLockKey(userID, sessionID)
		acquired, err := p.cache.SetNX(ctx, lockKey, true, enrichLockTTL)
		if err != nil {
			logger.Auth().Warn().Err(err).Str("key", lockKey).Msg("distributed enrichment lock check failed, proceeding locally")
		} else if !acquired {
			p.mu.Lock()
			delete(p.inflight, requestKey)
			p.mu.Unlock()
			return
		} else {
			release = func() {
				if err := p.cache.Delete(context.Background(), lockKey); err != nil {
					logger.Auth().Warn().Err(err).Str("key", lockKey).Msg("failed to release distributed enrichment lock")
				}
			}
		}
	}

	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.inflight, requestKey)
			p.mu.Unlock()
			release()
		}()
		p.enrichFromDB(ctx, userID, sessionID, profileRaw)
	}()
}

func (p *Processor) enrichFromDB(ctx context.Context, userID, sessionID string, profileRaw map[string]any) {
	log := logger.Auth()

	var email string
	if profileRaw != nil {
		email, _ = profileRaw["email"].(string)
	}

	result, err := p.db.GetUser(ctx, sessionID, email, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Str("session_id", sessionID).Msg("db ws fetch failed")
		return
	}
	if result == nil {
		return
	}

	current, ok := p.sessions.Get(sessionID)
	if !ok || current.UserID != userID {
		log.Info().Str("user_id", userID).Str("session_id", sessionID).Msg("skipped db restore for stale session")
		return
	}

	full := buildFullProfile(result.User)
	now := time.Now().UTC()

	p.sessions.Upsert(session.Snapshot{
		SessionID: sessionID,
		UserID:    result.UserID,
		State:     "active",
		User: session.Profile{
			ID:          full.ID,
			Email:       full.Email,
			Username:    full.Username,
			IsStaff:     full.IsStaff,
			IsSuperuser: full.IsSuperuser,
		},
	})

	p.profiles.UpdateUserSession(profile.UserSession{
		UserID:    result.UserID,
		SessionID: sessionID,
		Profile:   full,
	})

	if p.conns != nil {
		p.conns.BroadcastToUser(result.UserID, map[string]any{
			"event":      "auth.user.profile",
			"user_id":    result.UserID,
			"session_id": sessionID,
			"profile":    full,
			"meta":       map[string]any{"ts": now.Format(time.RFC3339), "replay": true},
		})
	}

	log.Info().Str("user_id", result.UserID).Str("session_id", sessionID).Msg("session restored from db ws")
}

func sessionProfileFrom(profileRaw map[string]any) session.Profile {
	if profileRaw == nil {
		return session.Profile{}
	}
	return session.Profile{
		ID:          profileRaw["id"],
		Email:       stringField(profileRaw, "email"),
		Username:    stringField(profileRaw, "username"),
		IsStaff:     boolField(profileRaw, "is_staff"),
		IsSuperuser: boolField(profileRaw, "is_superuser"),
	}
}

// buildFullProfile maps a raw DB user record onto the fixed profile
// projection, matching db_ws_client.py::_store_user_session field-for-field
// (including the avatar <- profile_image rename and full_name concatenation).
func buildFullProfile(user map[string]any) profile.FullProfile {
	firstName := stringField(user, "first_name")
	lastName := stringField(user, "last_name")

	return profile.FullProfile{
		ID:              user["id"],
		Username:        stringField(user, "username"),
		FullName:        strings.TrimSpace(firstName + " " + lastName),
		FirstName:       firstName,
		LastName:        lastName,
		Email:           stringField(user, "email"),
		Phone:           stringField(user, "phone"),
		Bio:             stringField(user, "bio"),
		Location:        stringField(user, "location"),
		Country:         stringField(user, "country"),
		Address:         stringField(user, "address"),
		State:           stringField(user, "state"),
		City:            stringField(user, "city"),
		PostalCode:      stringField(user, "postal_code"),
		FacebookURL:     stringField(user, "facebook_url"),
		XURL:            stringField(user, "x_url"),
		LinkedInURL:     stringField(user, "linkedin_url"),
		InstagramURL:    stringField(user, "instagram_url"),
		Avatar:          stringField(user, "profile_image"),
		IsAuthenticated: true,
		IsStaff:         boolField(user, "is_staff"),
		IsSuperuser:     boolField(user, "is_superuser"),
	}
}

func boolField(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}
