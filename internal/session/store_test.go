package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return NewStore(dir)
}

func TestUpsertSingleActiveSessionPerUser(t *testing.T) {
	store := newTestStore(t)

	store.Upsert(Snapshot{SessionID: "s1", UserID: "42", State: "active"})
	store.Upsert(Snapshot{SessionID: "s2", UserID: "42", State: "active"})

	_, ok := store.Get("s1")
	assert.False(t, ok, "prior session for the user must be evicted")

	sess, ok := store.Get("s2")
	require.True(t, ok)
	assert.Equal(t, "42", sess.UserID)

	sessions := store.GetUserSessions("42")
	require.Len(t, sessions, 1)
	assert.Equal(t, "s2", sessions[0].SessionID)
}

func TestUpsertRejectsAnonymous(t *testing.T) {
	store := newTestStore(t)

	store.Upsert(Snapshot{SessionID: "", UserID: "42", State: "active"})
	store.Upsert(Snapshot{SessionID: "s1", UserID: "", State: "active"})

	assert.Empty(t, store.GetUserSessions("42"))
}

func TestUpsertInactiveRemovesSession(t *testing.T) {
	store := newTestStore(t)

	store.Upsert(Snapshot{SessionID: "s1", UserID: "42", State: "active"})
	store.Upsert(Snapshot{SessionID: "s1", UserID: "42", State: "logged_out"})

	_, ok := store.Get("s1")
	assert.False(t, ok)
}

func TestStoreEventCapsAtOneThousand(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < maxEventLog+50; i++ {
		store.StoreEvent("some.event", map[string]int{"i": i})
	}

	events := store.Events()
	assert.Len(t, events, maxEventLog)
}

func TestIdempotencyKV(t *testing.T) {
	store := newTestStore(t)

	assert.False(t, store.Exists("donation:order:1"))
	store.Set("donation:order:1")
	assert.True(t, store.Exists("donation:order:1"))
}

func TestPersistReloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	store.Upsert(Snapshot{SessionID: "s1", UserID: "42", State: "active", User: Profile{Email: "e@x"}})
	store.StoreEvent("auth.session.snapshot", map[string]string{"session_id": "s1"})

	reloaded := NewStore(dir)
	sess, ok := reloaded.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "42", sess.UserID)
	assert.Equal(t, "e@x", sess.User.Email)
	assert.NotEmpty(t, reloaded.Events())
}
