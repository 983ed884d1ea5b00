package kerberos

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// DefaultCacheSize bounds the ticket cache the same way the gateway's
// other credential caches are bounded, evicting least-recently-used
// entries once full.
const DefaultCacheSize = 1000

// ticketCache caches Tickets keyed by (sessionID, userPrincipal,
// targetSPN), generalizing the role-exchange credential cache used
// elsewhere in the gateway from AWS credentials to Kerberos tickets.
type ticketCache struct {
	mu      sync.RWMutex
	entries map[string]*ticketCacheEntry
	lru     *list.List
	maxSize int
}

type ticketCacheEntry struct {
	key     string
	ticket  *Ticket
	element *list.Element
}

func newTicketCache(maxSize int) *ticketCache {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	return &ticketCache{
		entries: make(map[string]*ticketCacheEntry),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

func ticketCacheKey(sessionID, userPrincipal, targetSPN string) string {
	return fmt.Sprintf("%s:%s:%s", sessionID, userPrincipal, targetSPN)
}

// get returns a cached ticket only if it is not due for renewal; a ticket
// within renewThreshold of expiry is treated as a miss so the caller
// refreshes it rather than handing out a nearly-expired one.
func (c *ticketCache) get(sessionID, userPrincipal, targetSPN string, now time.Time, renewThreshold time.Duration) (*Ticket, bool) {
	key := ticketCacheKey(sessionID, userPrincipal, targetSPN)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if entry.ticket.needsRenewal(now, renewThreshold) {
		return nil, false
	}

	c.mu.Lock()
	c.lru.MoveToFront(entry.element)
	c.mu.Unlock()

	hit := *entry.ticket
	hit.CacheHit = true
	return &hit, true
}

func (c *ticketCache) set(sessionID, userPrincipal, targetSPN string, t *Ticket) {
	key := ticketCacheKey(sessionID, userPrincipal, targetSPN)

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		entry.ticket = t
		c.lru.MoveToFront(entry.element)
		return
	}
	if len(c.entries) >= c.maxSize {
		c.evictLRU()
	}
	entry := &ticketCacheEntry{key: key, ticket: t}
	entry.element = c.lru.PushFront(entry)
	c.entries[key] = entry
}

// discard removes a partially populated entry, used when a call is
// canceled mid-refresh so a half-built ticket never lingers in the cache.
func (c *ticketCache) discard(sessionID, userPrincipal, targetSPN string) {
	key := ticketCacheKey(sessionID, userPrincipal, targetSPN)

	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[key]; ok {
		c.lru.Remove(entry.element)
		delete(c.entries, key)
	}
}

func (c *ticketCache) evictLRU() {
	oldest := c.lru.Back()
	if oldest == nil {
		return
	}
	entry := oldest.Value.(*ticketCacheEntry)
	c.lru.Remove(oldest)
	delete(c.entries, entry.key)
}

func (c *ticketCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// keyedMutex serializes KDC calls per (session, user principal, target SPN)
// key, since the
// underlying Kerberos client is treated as non-thread-safe.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
