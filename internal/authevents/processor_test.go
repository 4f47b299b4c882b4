package authevents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ws-gateway/internal/bus"
	"ws-gateway/internal/connection"
	"ws-gateway/internal/profile"
	"ws-gateway/internal/session"
	"ws-gateway/internal/stats"
)

type fakePublisher struct {
	calls chan string
}

func (f *fakePublisher) Publish(ctx context.Context, eventName string, data any) error {
	if f.calls != nil {
		f.calls <- eventName
	}
	return nil
}

type fakeDBClient struct {
	result *DBUserResult
	err    error
	calls  chan struct{}
}

func (f *fakeDBClient) GetUser(ctx context.Context, sessionID, email, userID string) (*DBUserResult, error) {
	if f.calls != nil {
		f.calls <- struct{}{}
	}
	return f.result, f.err
}

func newTestProcessor(t *testing.T, db DBClient) (*Processor, *session.Store, *profile.Store) {
	t.Helper()
	sessions := session.NewStore(t.TempDir())
	profiles := profile.NewStore(t.TempDir())
	conns := connection.NewManager()
	return NewProcessor(sessions, profiles, conns, db), sessions, profiles
}

func TestProcessSnapshotActiveUpsertsSession(t *testing.T) {
	p, sessions, _ := newTestProcessor(t, nil)

	p.ProcessSnapshot(context.Background(), map[string]any{
		"user_id":    "42",
		"session_id": "s1",
		"state":      "active",
		"profile":    map[string]any{"email": "a@x.com"},
	}, "auth.session.snapshot", false)

	sess, ok := sessions.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "42", sess.UserID)
	assert.Equal(t, "a@x.com", sess.User.Email)
}

func TestProcessSnapshotDuplicateIgnored(t *testing.T) {
	p, sessions, _ := newTestProcessor(t, nil)

	snapshot := map[string]any{"user_id": "42", "session_id": "s1", "state": "active"}
	p.ProcessSnapshot(context.Background(), snapshot, "auth.session.snapshot", false)
	sessions.RemoveSession("s1")

	p.ProcessSnapshot(context.Background(), snapshot, "auth.session.snapshot", false)
	_, ok := sessions.Get("s1")
	assert.False(t, ok, "duplicate fingerprint must not re-apply the event")
}

func TestProcessSnapshotRejectsAnonymousSession(t *testing.T) {
	p, sessions, _ := newTestProcessor(t, nil)

	p.ProcessSnapshot(context.Background(), map[string]any{
		"user_id": "42", "session_id": "anon_abc", "state": "active",
	}, "auth.session.snapshot", false)

	assert.Empty(t, sessions.GetUserSessions("42"))
}

func TestProcessSnapshotInactiveRemovesSessionAndProfile(t *testing.T) {
	p, sessions, profiles := newTestProcessor(t, nil)

	p.ProcessSnapshot(context.Background(), map[string]any{
		"user_id": "42", "session_id": "s1", "state": "active",
	}, "auth.session.snapshot", false)
	profiles.UpdateUserSession(profile.UserSession{UserID: "42", SessionID: "s1"})

	p.ProcessSnapshot(context.Background(), map[string]any{
		"user_id": "42", "session_id": "s1", "state": "logged_out",
	}, "auth.logout", false)

	_, ok := sessions.Get("s1")
	assert.False(t, ok)
	_, ok = profiles.Get("42")
	assert.False(t, ok)
}

func TestProcessSnapshotEnrichesFromDBAndSkipsStaleRestore(t *testing.T) {
	calls := make(chan struct{}, 2)
	db := &fakeDBClient{
		result: &DBUserResult{
			UserID:    "42",
			SessionID: "s1",
			User: map[string]any{
				"id": "42", "username": "alice", "email": "alice@example.com",
				"first_name": "Alice", "last_name": "Smith",
			},
		},
		calls: calls,
	}
	p, sessions, profiles := newTestProcessor(t, db)

	p.ProcessSnapshot(context.Background(), map[string]any{
		"user_id": "42", "session_id": "s1", "state": "active",
		"profile": map[string]any{"email": "alice@example.com"},
	}, "auth.session.snapshot", false)

	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("db enrichment was not invoked")
	}

	require.Eventually(t, func() bool {
		_, ok := profiles.Get("42")
		return ok
	}, time.Second, 10*time.Millisecond)

	full, ok := profiles.GetFullProfile("42")
	require.True(t, ok)
	assert.Equal(t, "Alice Smith", full.FullName)

	sess, ok := sessions.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "42", sess.UserID)
}

func TestProcessSnapshotDeduplicatesInflightEnrichment(t *testing.T) {
	calls := make(chan struct{}, 10)
	db := &fakeDBClient{result: &DBUserResult{UserID: "42", User: map[string]any{"id": "42"}}, calls: calls}
	p, _, _ := newTestProcessor(t, db)

	p.ProcessSnapshot(context.Background(), map[string]any{
		"user_id": "42", "session_id": "s1", "state": "active", "nonce": "a",
	}, "auth.session.snapshot", false)
	p.ProcessSnapshot(context.Background(), map[string]any{
		"user_id": "42", "session_id": "s1", "state": "active", "nonce": "b",
	}, "auth.session.snapshot", false)

	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("expected one enrichment call")
	}

	select {
	case <-calls:
		t.Fatal("second concurrent enrichment call should have been deduplicated")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleDonationEventUpdatesLedgerAndRequestsRefresh(t *testing.T) {
	p, _, profiles := newTestProcessor(t, nil)
	pubCalls := make(chan string, 1)
	p.WithStatsRefresh(stats.NewRelay(), &fakePublisher{calls: pubCalls})

	env := bus.Envelope{Event: "donation.created"}
	env.Data = []byte(`{"user_id":"42","metadata":{"order_id":"ord-1"},"amount":10}`)

	require.NoError(t, p.HandleDonationEvent(context.Background(), env, "donation.created"))

	entry, ok := profiles.GetUserDonations("42")
	require.True(t, ok)
	assert.Len(t, entry.Donations, 1)

	select {
	case name := <-pubCalls:
		assert.Equal(t, "donation.stats.snapshot", name)
	case <-time.After(time.Second):
		t.Fatal("expected a stats refresh request to be published")
	}
}

func TestHandleDonationEventMissingUserIDIsNoop(t *testing.T) {
	p, _, profiles := newTestProcessor(t, nil)

	env := bus.Envelope{Event: "donation.created"}
	env.Data = []byte(`{"amount":10}`)

	require.NoError(t, p.HandleDonationEvent(context.Background(), env, "donation.created"))

	_, ok := profiles.GetUserDonations("42")
	assert.False(t, ok)
}
