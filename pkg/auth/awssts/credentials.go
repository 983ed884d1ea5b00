// Package awssts provides AWS STS token exchange and SigV4 signing functionality.
package awssts

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultCacheSize is the default maximum number of entries in the credential cache.
	DefaultCacheSize = 1000

	// RefreshBuffer is the duration before expiry when credentials should be refreshed.
	RefreshBuffer = 5 * time.Minute
)

// CredentialCache provides thread-safe caching of AWS credentials with LRU eviction.
//
// Cache keys are a SHA-256 fingerprint of the selected RoleMapping (its role
// ARN plus the claim or matcher expression that selected it) and the
// identity token, ensuring that:
//   - Different users get different cache entries
//   - Same user with same role gets cached credentials
//   - Token rotation naturally invalidates stale entries
//   - Two mapping rules that happen to resolve to the same role ARN through
//     different claims never collide, since the rule itself is part of the key
//
// The cache uses LRU eviction when the maximum size is reached.
type CredentialCache struct {
	mu      sync.RWMutex
	cache   map[string]*cacheEntry
	lru     *list.List // Doubly-linked list for LRU ordering
	maxSize int
}

// cacheEntry holds cached credentials and LRU tracking.
type cacheEntry struct {
	key         string
	credentials *Credentials
	element     *list.Element // Pointer to position in LRU list
}

// NewCredentialCache creates a new credential cache with the specified maximum size.
//
// If maxSize is 0 or negative, DefaultCacheSize is used.
func NewCredentialCache(maxSize int) *CredentialCache {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	return &CredentialCache{
		cache:   make(map[string]*cacheEntry),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// Get retrieves cached credentials for the given selected role mapping and
// identity token.
//
// Returns nil if:
//   - No cached entry exists
//   - Cached credentials are expired
//   - Cached credentials should be refreshed (within RefreshBuffer of expiry)
//
// On successful retrieval, the entry is moved to the front of the LRU list.
func (c *CredentialCache) Get(mapping RoleMapping, identityToken string) *Credentials {
	key := buildCacheKey(mapping, identityToken)

	c.mu.RLock()
	entry, exists := c.cache[key]
	c.mu.RUnlock()

	if !exists {
		return nil
	}

	// Check if credentials should be refreshed
	if entry.credentials.ShouldRefresh() {
		return nil
	}

	// Move to front of LRU list (requires write lock)
	c.mu.Lock()
	c.lru.MoveToFront(entry.element)
	c.mu.Unlock()

	return entry.credentials
}

// Set stores credentials in the cache for the given selected role mapping
// and identity token.
//
// If the cache is at capacity, the least recently used entry is evicted.
// If an entry already exists for this key, it is updated and moved to the front.
func (c *CredentialCache) Set(mapping RoleMapping, identityToken string, creds *Credentials) {
	if creds == nil {
		return
	}

	key := buildCacheKey(mapping, identityToken)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Check if entry already exists
	if entry, exists := c.cache[key]; exists {
		// Update existing entry
		entry.credentials = creds
		c.lru.MoveToFront(entry.element)
		return
	}

	// Evict LRU entry if at capacity
	if len(c.cache) >= c.maxSize {
		c.evictLRU()
	}

	// Create new entry
	entry := &cacheEntry{
		key:         key,
		credentials: creds,
	}
	entry.element = c.lru.PushFront(entry)
	c.cache[key] = entry
}

// Delete removes a cached entry for the given selected role mapping and
// identity token.
func (c *CredentialCache) Delete(mapping RoleMapping, identityToken string) {
	key := buildCacheKey(mapping, identityToken)

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.cache[key]; exists {
		c.lru.Remove(entry.element)
		delete(c.cache, key)
	}
}

// Clear removes all entries from the cache.
func (c *CredentialCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache = make(map[string]*cacheEntry)
	c.lru.Init()
}

// Size returns the current number of entries in the cache.
func (c *CredentialCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// evictLRU removes the least recently used entry from the cache.
// Must be called with write lock held.
func (c *CredentialCache) evictLRU() {
	if c.lru.Len() == 0 {
		return
	}

	// Get the oldest entry (back of list)
	oldest := c.lru.Back()
	if oldest == nil {
		return
	}

	entry := oldest.Value.(*cacheEntry)
	c.lru.Remove(oldest)
	delete(c.cache, entry.key)
}

// buildCacheKey fingerprints the selected role mapping together with the
// identity token: SHA-256 over the role ARN, the claim or matcher
// expression that selected it, and the hex-encoded SHA-256 of the token
// itself. Hashing the whole composite, rather than keeping the role ARN as
// a visible key prefix, means:
//   - Different users get different cache entries
//   - Two mapping rules resolving to the same role ARN via different
//     claims never collide
//   - Token rotation naturally invalidates stale entries
func buildCacheKey(mapping RoleMapping, identityToken string) string {
	tokenHash := sha256.Sum256([]byte(identityToken))
	discriminator := mapping.Claim
	if discriminator == "" {
		discriminator = mapping.Matcher
	}
	composite := fmt.Sprintf("%s:%s:%s", mapping.RoleArn, discriminator, hex.EncodeToString(tokenHash[:]))
	sum := sha256.Sum256([]byte(composite))
	return hex.EncodeToString(sum[:])
}
