// Package cache is the encrypted, session-scoped cache for exchanged
// delegation tokens. Every entry is AEAD-sealed under its owning
// session's key, so a process memory dump never exposes a delegation
// token in the clear, and destroying a session's key (see pkg/session)
// makes every entry it sealed permanently unreadable.
package cache

import (
	"container/list"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	gwerrors "github.com/nexusgate/resource-gateway/pkg/errors"
)

// DefaultMaxEntries bounds the cache the same way the credential cache it
// is grounded on bounds itself: a process-wide LRU ceiling independent of
// per-session accounting.
const DefaultMaxEntries = 1000

// sealed is the on-disk (in-memory) representation of one cache entry:
// a nonce and the AEAD-sealed JSON encoding of a DelegationToken.
type sealed struct {
	nonce      []byte
	ciphertext []byte
	expiresAt  time.Time
}

type entry struct {
	key     string
	sealed  *sealed
	element *list.Element
}

// DelegationToken mirrors tokenexchange.DelegationToken so this package
// has no import-cycle dependency on the client package.
type DelegationToken struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
	Scope       string
}

// Cache is a thread-safe, LRU-bounded store of encrypted delegation
// tokens, keyed by (session, audience, hash of requestor token) so token
// rotation naturally invalidates stale entries, same as the credential
// cache it generalizes.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	lru     *list.List
	maxSize int

	group singleflight.Group
}

// New builds a Cache bounded to maxSize entries (DefaultMaxEntries if
// maxSize <= 0).
func New(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxEntries
	}
	return &Cache{
		entries: make(map[string]*entry),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// Get returns the cached delegation token for (sessionID, sessionKey,
// audience, requestorToken) if present, unexpired, and it decrypts
// cleanly under sessionKey. A decryption failure (wrong key, e.g. after
// session destruction) is treated as a cache miss, not an error.
func (c *Cache) Get(sessionID string, sessionKey [32]byte, audience, requestorToken string) (*DelegationToken, bool) {
	key := buildCacheKey(sessionID, audience, requestorToken)

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if time.Now().After(e.sealed.expiresAt) {
		c.delete(key)
		return nil, false
	}

	dt, err := open(sessionKey, e.sealed, fingerprintOf(sessionID, audience, requestorToken))
	if err != nil {
		return nil, false
	}

	c.mu.Lock()
	if e.element != nil {
		c.lru.MoveToFront(e.element)
	}
	c.mu.Unlock()

	return dt, true
}

// Set seals dt under sessionKey and stores it with the given TTL,
// evicting the least-recently-used entry if the cache is at capacity.
func (c *Cache) Set(sessionID string, sessionKey [32]byte, audience, requestorToken string, dt *DelegationToken, ttl time.Duration) error {
	s, err := seal(sessionKey, dt, fingerprintOf(sessionID, audience, requestorToken))
	if err != nil {
		return gwerrors.Wrap(gwerrors.KindInternal, "failed to seal cache entry", err)
	}
	s.expiresAt = time.Now().Add(ttl)

	key := buildCacheKey(sessionID, audience, requestorToken)

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[key]; ok {
		existing.sealed = s
		c.lru.MoveToFront(existing.element)
		return nil
	}

	if len(c.entries) >= c.maxSize {
		c.evictLRU()
	}

	e := &entry{key: key, sealed: s}
	e.element = c.lru.PushFront(e)
	c.entries[key] = e
	return nil
}

// GetOrExchange returns the cached token if present, else calls
// exchangeFn exactly once per distinct cache key even under concurrent
// callers (singleflight), caching its result for ttl.
func (c *Cache) GetOrExchange(
	ctx context.Context,
	sessionID string,
	sessionKey [32]byte,
	audience, requestorToken string,
	ttl time.Duration,
	exchangeFn func(context.Context) (*DelegationToken, error),
) (*DelegationToken, error) {
	if dt, ok := c.Get(sessionID, sessionKey, audience, requestorToken); ok {
		return dt, nil
	}

	key := buildCacheKey(sessionID, audience, requestorToken)
	result, err, _ := c.group.Do(key, func() (any, error) {
		if dt, ok := c.Get(sessionID, sessionKey, audience, requestorToken); ok {
			return dt, nil
		}
		dt, err := exchangeFn(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Set(sessionID, sessionKey, audience, requestorToken, dt, ttl); err != nil {
			return nil, err
		}
		return dt, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*DelegationToken), nil
}

// Invalidate removes a single entry, used when a session's requestor
// token rotates mid-lifetime.
func (c *Cache) Invalidate(sessionID, audience, requestorToken string) {
	c.delete(buildCacheKey(sessionID, audience, requestorToken))
}

// InvalidateSession removes every entry belonging to sessionID, used on
// session destruction so swept entries don't linger until their TTL
// expires naturally (even though they are unreadable once the session key
// is gone, removing them also frees the map slot).
func (c *Cache) InvalidateSession(sessionID string) {
	prefix := sessionID + ":"

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			c.lru.Remove(e.element)
			delete(c.entries, key)
		}
	}
}

func (c *Cache) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.lru.Remove(e.element)
		delete(c.entries, key)
	}
}

// evictLRU removes the least recently used entry. Must be called with
// the write lock held.
func (c *Cache) evictLRU() {
	oldest := c.lru.Back()
	if oldest == nil {
		return
	}
	e := oldest.Value.(*entry)
	c.lru.Remove(oldest)
	delete(c.entries, e.key)
}

// Size returns the current entry count.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// buildCacheKey scopes the key by session so InvalidateSession can do a
// prefix scan, then by audience and a hash of the requestor token so
// token rotation invalidates the entry the same way the credential cache
// it is grounded on does.
func buildCacheKey(sessionID, audience, requestorToken string) string {
	tokenHash := sha256.Sum256([]byte(requestorToken))
	return fmt.Sprintf("%s:%s:%s", sessionID, audience, hex.EncodeToString(tokenHash[:]))
}

// fingerprintOf derives the AEAD associated data binding a sealed entry to
// the (session, audience, requestor-token) triple it was cached under:
// SHA-256 of the same triple buildCacheKey scopes the map key by. Sealing
// and opening with mismatched fingerprints fails authentication even if the
// session key itself still matches, so a stale entry can never be replayed
// under a rotated requestor token or a different audience.
func fingerprintOf(sessionID, audience, requestorToken string) []byte {
	sum := sha256.Sum256([]byte(buildCacheKey(sessionID, audience, requestorToken)))
	return sum[:]
}

func seal(key [32]byte, dt *DelegationToken, aad []byte) (*sealed, error) {
	plaintext, err := json.Marshal(dt)
	if err != nil {
		return nil, fmt.Errorf("marshal delegation token: %w", err)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("build AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("build GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, aad)
	return &sealed{nonce: nonce, ciphertext: ciphertext}, nil
}

func open(key [32]byte, s *sealed, aad []byte) (*DelegationToken, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("build AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("build GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, s.nonce, s.ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt cache entry: %w", err)
	}

	var dt DelegationToken
	if err := json.Unmarshal(plaintext, &dt); err != nil {
		return nil, fmt.Errorf("unmarshal delegation token: %w", err)
	}
	return &dt, nil
}
