package roomcrypto

import (
	"sync"

	"github.com/tinfoilchat/matrix-go/internal/megolm"
)

// CachedSession is a decryption session held in a cache together with the
// storage metadata decryption results need.
type CachedSession struct {
	Session           *megolm.InboundSession
	ClaimedEd25519Key string
	FromBackup        bool
}

type cacheEntry struct {
	roomID    string
	senderKey string
	sessionID string
	session   *CachedSession
}

// SessionCache is a bounded most-recently-used cache of decryption sessions
// keyed by (room, sender key, session id). It avoids a storage load and
// session deserialization per event during decrypt bursts.
type SessionCache struct {
	mu      sync.Mutex
	limit   int // 0 means unbounded
	entries []*cacheEntry
}

// NewSessionCache creates a cache holding at most limit sessions; limit 0
// means unbounded.
func NewSessionCache(limit int) *SessionCache {
	return &SessionCache{limit: limit}
}

// Get returns the cached session, or nil. A hit moves the entry to the
// front.
func (c *SessionCache) Get(roomID, senderKey, sessionID string) *CachedSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.entries {
		if e.roomID == roomID && e.senderKey == senderKey && e.sessionID == sessionID {
			if i > 0 {
				copy(c.entries[1:i+1], c.entries[:i])
				c.entries[0] = e
			}
			return e.session
		}
	}
	return nil
}

// Add inserts a session at the front, evicting the least recently used
// entry if the cache is full. Adding an already cached key replaces its
// session and moves it to the front instead of duplicating the entry.
func (c *SessionCache) Add(roomID, senderKey, sessionID string, session *CachedSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.entries {
		if e.roomID == roomID && e.senderKey == senderKey && e.sessionID == sessionID {
			e.session = session
			if i > 0 {
				copy(c.entries[1:i+1], c.entries[:i])
				c.entries[0] = e
			}
			return
		}
	}
	entry := &cacheEntry{roomID, senderKey, sessionID, session}
	if c.limit > 0 && len(c.entries) == c.limit {
		// Shift in place so the evicted entry is overwritten, not left
		// reachable through the backing array.
		copy(c.entries[1:], c.entries[:c.limit-1])
		c.entries[0] = entry
		return
	}
	c.entries = append(c.entries, nil)
	copy(c.entries[1:], c.entries)
	c.entries[0] = entry
}

// Dispose releases all cached session material. The cache stays usable but
// empty afterwards.
func (c *SessionCache) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
}

// Len returns the number of cached sessions.
func (c *SessionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
