// Package profile implements the User/Profile Store (SPEC_FULL.md §4.4): a
// secondary store keyed by user_id carrying the full user-facing profile
// projection plus a per-user donation ledger, with isolated update
// listeners for broadcasting changes.
package profile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"ws-gateway/internal/logger"
)

// FullProfile is the fixed field set carried into SPEC_FULL.md §3 from
// original_source/services/WebSocket-Server/db_ws_client.py.
type FullProfile struct {
	ID              any    `json:"id"`
	Username        string `json:"username"`
	FullName        string `json:"full_name"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
	Email           string `json:"email"`
	Phone           string `json:"phone"`
	Bio             string `json:"bio"`
	Location        string `json:"location"`
	Country         string `json:"country"`
	Address         string `json:"address"`
	State           string `json:"state"`
	City            string `json:"city"`
	PostalCode      string `json:"postal_code"`
	FacebookURL     string `json:"facebook_url"`
	XURL            string `json:"x_url"`
	LinkedInURL     string `json:"linkedin_url"`
	InstagramURL    string `json:"instagram_url"`
	Avatar          string `json:"avatar"`
	IsAuthenticated bool   `json:"is_authenticated"`
	IsStaff         bool   `json:"is_staff"`
	IsSuperuser     bool   `json:"is_superuser"`
}

// UserSession is the record stored per user_id: the full profile plus the
// session_id it was last associated with (used by RemoveBySessionID).
type UserSession struct {
	UserID    string      `json:"user_id"`
	SessionID string      `json:"session_id,omitempty"`
	Profile   FullProfile `json:"profile"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// DonationRecord is one ledger entry, keyed externally by order key.
type DonationRecord struct {
	Raw       map[string]any `json:"raw"`
	StoredAt  time.Time      `json:"_stored_at"`
}

// DonationLedgerEntry is the per-user donation history supplemented from
// original_source/user_donation_store.py (SPEC_FULL.md §2.2/§3).
type DonationLedgerEntry struct {
	UserID    string                    `json:"user_id"`
	CreatedAt time.Time                 `json:"created_at"`
	UpdatedAt time.Time                 `json:"updated_at"`
	SessionID string                    `json:"session_id,omitempty"`
	Donations map[string]DonationRecord `json:"donations"`
}

// Listener is notified with the full updated record whenever a user session
// changes. A listener's panic is recovered and logged; it never aborts the
// update or other listeners (SPEC_FULL.md §4.4 isolation invariant).
type Listener func(UserSession)

// Store is the User/Profile Store.
type Store struct {
	mu sync.Mutex

	sessions  map[string]UserSession
	donations map[string]DonationLedgerEntry
	listeners []Listener

	sessionsPath  string
	donationsPath string
}

// NewStore creates a Store persisting to JSON files under dir.
func NewStore(dir string) *Store {
	s := &Store{
		sessions:      make(map[string]UserSession),
		donations:     make(map[string]DonationLedgerEntry),
		sessionsPath:  filepath.Join(dir, "user_session_store.json"),
		donationsPath: filepath.Join(dir, "user_donation_store.json"),
	}
	s.load()
	return s
}

func (s *Store) load() {
	log := logger.Profile()

	if data, err := os.ReadFile(s.sessionsPath); err == nil {
		if err := json.Unmarshal(data, &s.sessions); err != nil {
			log.Warn().Err(err).Msg("failed to parse user session store")
			s.sessions = make(map[string]UserSession)
		}
	}
	if data, err := os.ReadFile(s.donationsPath); err == nil {
		if err := json.Unmarshal(data, &s.donations); err != nil {
			log.Warn().Err(err).Msg("failed to parse user donation store")
			s.donations = make(map[string]DonationLedgerEntry)
		}
	}
}

func (s *Store) saveSessionsLocked() {
	if err := writeAtomic(s.sessionsPath, s.sessions); err != nil {
		logger.Profile().Error().Err(err).Msg("failed to persist user session store")
	}
}

func (s *Store) saveDonationsLocked() {
	if err := writeAtomic(s.donationsPath, s.donations); err != nil {
		logger.Profile().Error().Err(err).Msg("failed to persist user donation store")
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

// AddUpdateListener registers a callback invoked on every UpdateUserSession.
func (s *Store) AddUpdateListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) notifyListeners(listeners []Listener, rec UserSession) {
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Profile().Warn().Interface("panic", r).Msg("profile listener failed")
				}
			}()
			l(rec)
		}()
	}
}

// UpdateUserSession replaces the record for rec.UserID and synchronously
// notifies every registered listener.
func (s *Store) UpdateUserSession(rec UserSession) UserSession {
	s.mu.Lock()
	s.sessions[rec.UserID] = rec
	s.saveSessionsLocked()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	s.notifyListeners(listeners, rec)
	return rec
}

// Get returns the stored record for a user, if any.
func (s *Store) Get(userID string) (UserSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[userID]
	return rec, ok
}

// RemoveUserSession deletes the record for a user.
func (s *Store) RemoveUserSession(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[userID]; !ok {
		return false
	}
	delete(s.sessions, userID)
	s.saveSessionsLocked()
	return true
}

// RemoveBySessionID deletes every record bound to the given session_id and
// returns the affected user ids.
func (s *Store) RemoveBySessionID(sessionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for userID, rec := range s.sessions {
		if rec.SessionID == sessionID {
			removed = append(removed, userID)
			delete(s.sessions, userID)
		}
	}
	if len(removed) > 0 {
		s.saveSessionsLocked()
	}
	return removed
}

// GetFullProfile returns the fixed profile projection for a user.
func (s *Store) GetFullProfile(userID string) (FullProfile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[userID]
	if !ok {
		return FullProfile{}, false
	}
	return rec.Profile, true
}

// UpdateUserDonations upserts donations by order key into the user's ledger
// entry and persists it (grounded on original_source/user_donation_store.py).
func (s *Store) UpdateUserDonations(userID string, donations []map[string]any, sessionID string) DonationLedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.donations[userID]
	if !ok {
		entry = DonationLedgerEntry{
			UserID:    userID,
			CreatedAt: time.Now(),
			Donations: make(map[string]DonationRecord),
		}
	}

	now := time.Now()
	for _, d := range donations {
		key := donationKey(d)
		if key == "" {
			continue
		}
		entry.Donations[key] = DonationRecord{Raw: d, StoredAt: now}
	}
	entry.SessionID = sessionID
	entry.UpdatedAt = now
	s.donations[userID] = entry
	s.saveDonationsLocked()
	return entry
}

// GetUserDonations returns the ledger entry for a user, if any.
func (s *Store) GetUserDonations(userID string) (DonationLedgerEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.donations[userID]
	return entry, ok
}

func donationKey(donation map[string]any) string {
	if meta, ok := donation["metadata"].(map[string]any); ok {
		if orderID, ok := meta["order_id"].(string); ok && orderID != "" {
			return orderID
		}
	}
	if id, ok := donation["id"].(string); ok {
		return id
	}
	return ""
}
