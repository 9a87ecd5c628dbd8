// Package cache keeps recently served catalog responses in memory. Posts and
// processes change only when the catalog is seeded, so a short TTL bounds
// how stale a replica can be.
package cache

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// Cache is a size-bounded LRU with per-entry expiry. It is safe for
// concurrent use.
type Cache struct {
	mu      sync.Mutex
	order   *list.List // front is most recently used
	items   map[string]*list.Element
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

// New creates a cache from cfg. A nil or disabled cfg returns nil, which
// Middleware treats as pass-through.
func New(cfg *Config) *Cache {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	maxSize, ttl := cfg.MaxSize, cfg.TTL
	if maxSize < 1 {
		maxSize = 1
	}
	if ttl <= 0 {
		ttl = DefaultConfig().TTL
	}
	return &Cache{
		order:   list.New(),
		items:   make(map[string]*list.Element, maxSize),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the value for key unless it is missing or expired.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if c.now().After(e.expiresAt) {
		c.remove(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	return e.value, true
}

// Set stores value under key, evicting the least recently used entry when
// full.
func (c *Cache) Set(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		e.value, e.expiresAt = value, expiresAt
		c.order.MoveToFront(el)
		return
	}
	if c.order.Len() >= c.maxSize {
		c.remove(c.order.Back())
	}
	c.items[key] = c.order.PushFront(&entry{key: key, value: value, expiresAt: expiresAt})
}

// Purge drops every entry.
func (c *Cache) Purge() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element, c.maxSize)
}

// Len reports the number of entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) remove(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*entry).key)
}
