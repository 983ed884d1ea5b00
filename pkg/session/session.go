// Package session implements the gateway's session table: one entry per
// authenticated requestor, holding the per-session symmetric key used to
// encrypt cached delegation tokens, and bounded by both an idle timeout
// and an absolute lifetime.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexusgate/resource-gateway/pkg/audit"
	"github.com/nexusgate/resource-gateway/pkg/auth"
	gwerrors "github.com/nexusgate/resource-gateway/pkg/errors"
	"github.com/nexusgate/resource-gateway/pkg/logger"
)

const keySize = 32 // AES-256

// Session is one authenticated requestor's server-side state. EncryptionKey
// is the AEAD key the token-exchange cache uses to encrypt entries
// belonging to this session; it never leaves the process and is zeroed on
// Destroy.
type Session struct {
	ID             string
	Subject        string
	Issuer         string
	EncryptionKey  [keySize]byte
	CreatedAt      time.Time
	LastAccessedAt time.Time

	mu sync.Mutex
}

func newSession(subject, issuer string) (*Session, error) {
	s := &Session{
		ID:             uuid.NewString(),
		Subject:        subject,
		Issuer:         issuer,
		CreatedAt:      time.Now(),
		LastAccessedAt: time.Now(),
	}
	if _, err := rand.Read(s.EncryptionKey[:]); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return s, nil
}

// touch records activity, resetting the idle timer. It takes the
// session's own lock; callers release the manager's lock before calling it.
func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastAccessedAt = time.Now()
}

// zero overwrites the session's key material in place so it doesn't
// linger in memory after Destroy until the GC reclaims the struct.
func (s *Session) zero() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.EncryptionKey {
		s.EncryptionKey[i] = 0
	}
}

// TokenCache is the subset of the token-exchange cache a Manager needs to
// purge on session destruction. Declared here, rather than importing
// pkg/tokenexchange/cache directly, so the session table doesn't carry a
// hard dependency on the cache's implementation.
type TokenCache interface {
	InvalidateSession(sessionID string)
}

// Manager owns the live session table and its idle/absolute-timeout
// sweeper, generalizing the teacher's credential LRU cache pattern from
// caching third-party credentials to owning first-class session state.
type Manager struct {
	mu    sync.RWMutex
	byID  map[string]*Session
	idle  time.Duration
	abs   time.Duration
	sink  audit.Sink
	cache TokenCache
	close chan struct{}
	once  sync.Once
}

// NewManager builds a Manager and starts its background sweeper, which
// wakes every sweepInterval to destroy sessions that exceeded idle or
// absolute timeout. tokenCache may be nil, in which case Destroy only
// clears the session table, not any cached delegation tokens — callers
// that wire a token-exchange cache should pass it so destruction purges
// both.
func NewManager(idleTimeout, absoluteTimeout, sweepInterval time.Duration, sink audit.Sink, tokenCache TokenCache) *Manager {
	if sink == nil {
		sink = audit.LoggingSink{}
	}
	m := &Manager{
		byID:  make(map[string]*Session),
		idle:  idleTimeout,
		abs:   absoluteTimeout,
		sink:  sink,
		cache: tokenCache,
		close: make(chan struct{}),
	}
	go m.sweepLoop(sweepInterval)
	return m
}

// Create establishes a new session for subject/issuer and audits its
// creation.
func (m *Manager) Create(subject, issuer string) (*Session, error) {
	s, err := newSession(subject, issuer)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindInternal, "failed to create session", err)
	}

	m.mu.Lock()
	m.byID[s.ID] = s
	m.mu.Unlock()

	m.sink.Emit(audit.New(audit.EventTypeSessionCreated,
		audit.EventSource{Type: "internal"}, audit.OutcomeSuccess,
		map[string]string{"user_id": subject}, "session-manager").
		WithTarget(map[string]string{"session_id": s.ID}))

	return s, nil
}

// deterministicID derives the session key spec'd for GetOrCreate: subject
// joined with a truncated hash of the raw token, so a fresh JWT for the
// same subject yields a new session while replaying the same JWT reuses
// the existing one.
func deterministicID(validated *auth.ValidatedToken) string {
	sum := sha256.Sum256([]byte(validated.Raw))
	return validated.Subject + ":" + hex.EncodeToString(sum[:16])
}

// GetOrCreate returns the live session for validated's (subject, raw
// token) pair, touching it if present, or creates and registers a new one
// under that deterministic ID if absent.
func (m *Manager) GetOrCreate(validated *auth.ValidatedToken) (*Session, error) {
	id := deterministicID(validated)

	m.mu.RLock()
	s, ok := m.byID[id]
	m.mu.RUnlock()
	if ok {
		s.touch()
		return s, nil
	}

	s, err := newSession(validated.Subject, validated.Issuer)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindInternal, "failed to create session", err)
	}
	s.ID = id

	m.mu.Lock()
	existing, ok := m.byID[id]
	if ok {
		m.mu.Unlock()
		existing.touch()
		return existing, nil
	}
	m.byID[id] = s
	m.mu.Unlock()

	m.sink.Emit(audit.New(audit.EventTypeSessionCreated,
		audit.EventSource{Type: "internal"}, audit.OutcomeSuccess,
		map[string]string{"user_id": validated.Subject}, "session-manager").
		WithTarget(map[string]string{"session_id": s.ID}))

	return s, nil
}

// Get retrieves a live session by ID, touching its last-accessed time.
// Returns a GatewayError of kind KindSessionNotFound if absent or already
// swept.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return nil, gwerrors.New(gwerrors.KindSessionNotFound, "session not found")
	}
	s.touch()
	return s, nil
}

// Destroy removes the session, zeroes its key material, and purges any
// delegation tokens the token-exchange cache sealed under it. Safe to call
// more than once; subsequent calls are a no-op.
func (m *Manager) Destroy(ctx context.Context, id string) {
	m.mu.Lock()
	s, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	s.zero()
	if m.cache != nil {
		m.cache.InvalidateSession(id)
	}

	m.sink.Emit(audit.New(audit.EventTypeSessionDestroyed,
		audit.EventSource{Type: "internal"}, audit.OutcomeSuccess,
		map[string]string{"user_id": s.Subject}, "session-manager").
		WithTarget(map[string]string{"session_id": id}))
}

// Shutdown stops the sweeper goroutine. Safe to call more than once.
func (m *Manager) Shutdown() {
	m.once.Do(func() { close(m.close) })
}

func (m *Manager) sweepLoop(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.close:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()

	m.mu.RLock()
	var expired []string
	for id, s := range m.byID {
		s.mu.Lock()
		idleExpired := m.idle > 0 && now.Sub(s.LastAccessedAt) > m.idle
		absExpired := m.abs > 0 && now.Sub(s.CreatedAt) > m.abs
		s.mu.Unlock()
		if idleExpired || absExpired {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		m.mu.Lock()
		s, ok := m.byID[id]
		if ok {
			delete(m.byID, id)
		}
		m.mu.Unlock()
		if !ok {
			continue
		}
		s.zero()
		if m.cache != nil {
			m.cache.InvalidateSession(id)
		}
		m.sink.Emit(audit.New(audit.EventTypeSessionExpired,
			audit.EventSource{Type: "internal"}, audit.OutcomeSuccess,
			map[string]string{"user_id": s.Subject}, "session-manager").
			WithTarget(map[string]string{"session_id": id}))
		logger.Debugf("swept expired session %s", id)
	}
}

// Size returns the number of live sessions, for tests and metrics.
func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
