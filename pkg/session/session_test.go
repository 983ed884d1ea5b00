package session

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAssignsDistinctKeys(t *testing.T) {
	m := NewManager(time.Hour, time.Hour, time.Hour, nil, nil)
	defer m.Shutdown()

	s1, err := m.Create("alice", "https://idp.example.com")
	require.NoError(t, err)
	s2, err := m.Create("bob", "https://idp.example.com")
	require.NoError(t, err)

	assert.NotEqual(t, s1.ID, s2.ID)
	assert.False(t, bytes.Equal(s1.EncryptionKey[:], s2.EncryptionKey[:]))
	assert.Equal(t, 2, m.Size())
}

func TestGetTouchesLastAccessed(t *testing.T) {
	m := NewManager(time.Hour, time.Hour, time.Hour, nil, nil)
	defer m.Shutdown()

	s, err := m.Create("alice", "https://idp.example.com")
	require.NoError(t, err)
	original := s.LastAccessedAt

	time.Sleep(5 * time.Millisecond)
	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.True(t, got.LastAccessedAt.After(original))
}

func TestGetUnknownSessionFails(t *testing.T) {
	m := NewManager(time.Hour, time.Hour, time.Hour, nil, nil)
	defer m.Shutdown()

	_, err := m.Get("does-not-exist")
	require.Error(t, err)
}

func TestDestroyZeroesKeyAndRemovesSession(t *testing.T) {
	m := NewManager(time.Hour, time.Hour, time.Hour, nil, nil)
	defer m.Shutdown()

	s, err := m.Create("alice", "https://idp.example.com")
	require.NoError(t, err)
	require.False(t, allZero(s.EncryptionKey[:]))

	m.Destroy(context.Background(), s.ID)

	assert.True(t, allZero(s.EncryptionKey[:]), "key material must be zeroed after destroy")
	_, err = m.Get(s.ID)
	require.Error(t, err)

	// Destroy is idempotent.
	m.Destroy(context.Background(), s.ID)
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	m := NewManager(10*time.Millisecond, time.Hour, time.Hour, nil, nil)
	defer m.Shutdown()

	s, err := m.Create("alice", "https://idp.example.com")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	m.sweep()

	assert.True(t, allZero(s.EncryptionKey[:]))
	_, err = m.Get(s.ID)
	require.Error(t, err)
	assert.Equal(t, 0, m.Size())
}

func TestSweepExpiresOnAbsoluteTimeoutEvenIfTouched(t *testing.T) {
	m := NewManager(time.Hour, 10*time.Millisecond, time.Hour, nil, nil)
	defer m.Shutdown()

	s, err := m.Create("alice", "https://idp.example.com")
	require.NoError(t, err)

	// Keep touching well within the idle window, but the absolute window
	// still expires the session.
	time.Sleep(5 * time.Millisecond)
	_, err = m.Get(s.ID)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	m.sweep()
	assert.Equal(t, 0, m.Size())
}

type fakeTokenCache struct {
	invalidated []string
}

func (f *fakeTokenCache) InvalidateSession(sessionID string) {
	f.invalidated = append(f.invalidated, sessionID)
}

func TestDestroyPurgesTokenCache(t *testing.T) {
	tc := &fakeTokenCache{}
	m := NewManager(time.Hour, time.Hour, time.Hour, nil, tc)
	defer m.Shutdown()

	s, err := m.Create("alice", "https://idp.example.com")
	require.NoError(t, err)

	m.Destroy(context.Background(), s.ID)

	require.Len(t, tc.invalidated, 1)
	assert.Equal(t, s.ID, tc.invalidated[0])
}

func TestSweepPurgesTokenCacheForExpiredSessions(t *testing.T) {
	tc := &fakeTokenCache{}
	m := NewManager(10*time.Millisecond, time.Hour, time.Hour, nil, tc)
	defer m.Shutdown()

	s, err := m.Create("alice", "https://idp.example.com")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	m.sweep()

	require.Len(t, tc.invalidated, 1)
	assert.Equal(t, s.ID, tc.invalidated[0])
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
