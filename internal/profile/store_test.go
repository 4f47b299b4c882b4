package profile

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func TestUpdateUserSessionAndGet(t *testing.T) {
	store := newTestStore(t)

	store.UpdateUserSession(UserSession{
		UserID:    "42",
		SessionID: "s1",
		Profile:   FullProfile{Username: "alice", Email: "alice@example.com"},
	})

	rec, ok := store.Get("42")
	require.True(t, ok)
	assert.Equal(t, "s1", rec.SessionID)
	assert.Equal(t, "alice", rec.Profile.Username)

	full, ok := store.GetFullProfile("42")
	require.True(t, ok)
	assert.Equal(t, "alice@example.com", full.Email)
}

func TestRemoveUserSession(t *testing.T) {
	store := newTestStore(t)
	store.UpdateUserSession(UserSession{UserID: "42", SessionID: "s1"})

	assert.True(t, store.RemoveUserSession("42"))
	_, ok := store.Get("42")
	assert.False(t, ok)
	assert.False(t, store.RemoveUserSession("42"))
}

func TestRemoveBySessionID(t *testing.T) {
	store := newTestStore(t)
	store.UpdateUserSession(UserSession{UserID: "42", SessionID: "s1"})
	store.UpdateUserSession(UserSession{UserID: "43", SessionID: "s1"})
	store.UpdateUserSession(UserSession{UserID: "44", SessionID: "s2"})

	removed := store.RemoveBySessionID("s1")
	assert.ElementsMatch(t, []string{"42", "43"}, removed)

	_, ok := store.Get("44")
	assert.True(t, ok)
}

func TestListenerIsolation(t *testing.T) {
	store := newTestStore(t)

	var mu sync.Mutex
	var calledOK bool

	store.AddUpdateListener(func(UserSession) {
		panic("listener boom")
	})
	store.AddUpdateListener(func(rec UserSession) {
		mu.Lock()
		calledOK = true
		mu.Unlock()
	})

	assert.NotPanics(t, func() {
		store.UpdateUserSession(UserSession{UserID: "42", SessionID: "s1"})
	})

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, calledOK, "second listener must still run after first panics")
}

func TestUpdateUserDonationsUpsertsByOrderID(t *testing.T) {
	store := newTestStore(t)

	store.UpdateUserDonations("42", []map[string]any{
		{"amount": 10.0, "metadata": map[string]any{"order_id": "ord-1"}},
	}, "s1")

	entry, ok := store.GetUserDonations("42")
	require.True(t, ok)
	require.Len(t, entry.Donations, 1)

	store.UpdateUserDonations("42", []map[string]any{
		{"amount": 20.0, "metadata": map[string]any{"order_id": "ord-1"}},
		{"amount": 5.0, "metadata": map[string]any{"order_id": "ord-2"}},
	}, "s1")

	entry, ok = store.GetUserDonations("42")
	require.True(t, ok)
	assert.Len(t, entry.Donations, 2)
	assert.Equal(t, 20.0, entry.Donations["ord-1"].Raw["amount"])
}

func TestPersistReloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	store.UpdateUserSession(UserSession{UserID: "42", SessionID: "s1", Profile: FullProfile{Username: "alice"}})
	store.UpdateUserDonations("42", []map[string]any{
		{"amount": 10.0, "metadata": map[string]any{"order_id": "ord-1"}},
	}, "s1")

	reloaded := NewStore(dir)
	rec, ok := reloaded.Get("42")
	require.True(t, ok)
	assert.Equal(t, "alice", rec.Profile.Username)

	entry, ok := reloaded.GetUserDonations("42")
	require.True(t, ok)
	assert.Len(t, entry.Donations, 1)
}
