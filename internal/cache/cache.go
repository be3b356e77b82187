// Package cache is the in-memory tier in front of the remote store.
//
// Entries expire after a TTL and the cache holds at most MaxBytes of
// serialized documents. When an insert would exceed the budget, entries are
// evicted least recently used first, where a Get counts as a use. With no
// intervening reads this degenerates to insertion order.
package cache

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/agentworkforce/deploystore/internal/document"
)

const (
	DefaultTTL      = 5 * time.Minute
	DefaultMaxBytes = 10 * 1024 * 1024
)

type Options struct {
	TTL      time.Duration
	MaxBytes int
	Now      func() time.Time
}

type entry struct {
	value      document.Document
	size       int
	insertedAt time.Time
	lastAccess time.Time
	seq        uint64
}

type LocalCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	maxBytes int
	now      func() time.Time
	entries  map[string]*entry
	size     int
	seq      uint64
}

func New(opts Options) *LocalCache {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &LocalCache{
		ttl:      ttl,
		maxBytes: maxBytes,
		now:      now,
		entries:  map[string]*entry{},
	}
}

// Get returns a fresh entry. Expired entries are dropped on the way out.
func (c *LocalCache) Get(key string) (document.Document, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return document.Document{}, false
	}
	now := c.now()
	if now.Sub(e.insertedAt) >= c.ttl {
		c.removeLocked(key)
		return document.Document{}, false
	}
	e.lastAccess = now
	return e.value, true
}

// Set stores doc under key. A document larger than the whole budget is not
// cached at all.
func (c *LocalCache) Set(key string, doc document.Document) {
	size := EntrySize(doc)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
	if size > c.maxBytes {
		return
	}
	for c.size+size > c.maxBytes && len(c.entries) > 0 {
		c.evictLocked()
	}
	now := c.now()
	c.seq++
	c.entries[key] = &entry{
		value:      doc,
		size:       size,
		insertedAt: now,
		lastAccess: now,
		seq:        c.seq,
	}
	c.size += size
}

func (c *LocalCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

func (c *LocalCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]*entry{}
	c.size = 0
}

func (c *LocalCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Size is the accounted byte total of all live entries.
func (c *LocalCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// EntrySize approximates the in-memory cost of doc as two bytes per
// serialized character.
func EntrySize(doc document.Document) int {
	data, err := json.Marshal(doc)
	if err != nil {
		return 0
	}
	return len(data) * 2
}

func (c *LocalCache) removeLocked(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	c.size -= e.size
	delete(c.entries, key)
}

func (c *LocalCache) evictLocked() {
	var (
		victim string
		oldest *entry
	)
	for key, e := range c.entries {
		if oldest == nil || olderThan(e, oldest) {
			victim, oldest = key, e
		}
	}
	if oldest != nil {
		c.removeLocked(victim)
	}
}

func olderThan(a, b *entry) bool {
	if !a.lastAccess.Equal(b.lastAccess) {
		return a.lastAccess.Before(b.lastAccess)
	}
	if !a.insertedAt.Equal(b.insertedAt) {
		return a.insertedAt.Before(b.insertedAt)
	}
	return a.seq < b.seq
}
