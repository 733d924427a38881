package convstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxgate/voxgate/pkg/types"
)

// DefaultContextTTL is how long a cached context stays valid when NewCache
// is given a zero TTL.
const DefaultContextTTL = 15 * time.Minute

type cacheEntry struct {
	msgs      []types.Message
	maxTokens int
	// lastRead slides forward on every hit: the TTL is measured from the
	// last read, not from the fetch.
	lastRead time.Time
}

// Cache is a read-through context cache over any [Store]. A cached context
// stays valid for the TTL measured from its last read, so a session in
// active conversation never refetches; appending a message or ending the
// session invalidates that session's entry so the next read sees the new
// turn. All other Store methods pass straight through.
//
// Safe for concurrent use.
type Cache struct {
	Store

	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[uuid.UUID]cacheEntry
}

// NewCache wraps store with a context cache. A ttl of zero or less applies
// [DefaultContextTTL].
func NewCache(store Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultContextTTL
	}
	return &Cache{
		Store:   store,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[uuid.UUID]cacheEntry),
	}
}

// SetTTL changes the cache TTL and drops every cached entry so the new
// window applies from the next read. A ttl of zero or less applies
// [DefaultContextTTL].
func (c *Cache) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultContextTTL
	}
	c.mu.Lock()
	c.ttl = ttl
	c.entries = make(map[uuid.UUID]cacheEntry)
	c.mu.Unlock()
}

// GetContext implements [Store]. A cached result is only reused when the
// token budget matches the one it was fetched with.
func (c *Cache) GetContext(ctx context.Context, sessionID uuid.UUID, maxTokens int) ([]types.Message, error) {
	c.mu.Lock()
	entry, ok := c.entries[sessionID]
	if ok && entry.maxTokens == maxTokens && c.now().Sub(entry.lastRead) < c.ttl {
		entry.lastRead = c.now()
		c.entries[sessionID] = entry
		out := make([]types.Message, len(entry.msgs))
		copy(out, entry.msgs)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	msgs, err := c.Store.GetContext(ctx, sessionID, maxTokens)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.pruneLocked()
	c.entries[sessionID] = cacheEntry{msgs: msgs, maxTokens: maxTokens, lastRead: c.now()}
	c.mu.Unlock()

	out := make([]types.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// AppendMessage implements [Store] and invalidates the session's cached
// context once the write is committed.
func (c *Cache) AppendMessage(ctx context.Context, msg Message) (Message, error) {
	stored, err := c.Store.AppendMessage(ctx, msg)
	if err != nil {
		return Message{}, err
	}
	c.invalidate(msg.SessionID)
	return stored, nil
}

// EndSession implements [Store] and drops the session's cached context.
func (c *Cache) EndSession(ctx context.Context, sessionID uuid.UUID) error {
	if err := c.Store.EndSession(ctx, sessionID); err != nil {
		return err
	}
	c.invalidate(sessionID)
	return nil
}

func (c *Cache) invalidate(sessionID uuid.UUID) {
	c.mu.Lock()
	delete(c.entries, sessionID)
	c.mu.Unlock()
}

// pruneLocked drops expired entries so sessions that ended without an
// explicit EndSession do not accumulate. Caller holds c.mu.
func (c *Cache) pruneLocked() {
	cutoff := c.now().Add(-c.ttl)
	for id, entry := range c.entries {
		if entry.lastRead.Before(cutoff) {
			delete(c.entries, id)
		}
	}
}

var _ Store = (*Cache)(nil)
