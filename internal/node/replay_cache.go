package node

import (
	"container/list"
	"sync"
	"time"
)

type replayEntry struct {
	key [32]byte
	ts  time.Time
}

// replayCache remembers recently accepted handshake requests so a captured
// request cannot be replayed inside the timestamp window.
type replayCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	items   map[[32]byte]*list.Element
	order   *list.List
}

func newReplayCache(ttl time.Duration, maxSize int) *replayCache {
	if maxSize <= 0 {
		maxSize = 4096
	}
	return &replayCache{
		ttl:     ttl,
		maxSize: maxSize,
		items:   make(map[[32]byte]*list.Element),
		order:   list.New(),
	}
}

// checkAndAdd reports whether key was already present, recording it if not.
func (c *replayCache) checkAndAdd(key [32]byte, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneExpiredLocked(now)
	if _, ok := c.items[key]; ok {
		return true
	}
	el := c.order.PushFront(&replayEntry{key: key, ts: now})
	c.items[key] = el
	for c.order.Len() > c.maxSize {
		back := c.order.Back()
		old := back.Value.(*replayEntry)
		delete(c.items, old.key)
		c.order.Remove(back)
	}
	return false
}

func (c *replayCache) pruneExpiredLocked(now time.Time) {
	if c.ttl <= 0 {
		return
	}
	cutoff := now.Add(-c.ttl)
	for {
		back := c.order.Back()
		if back == nil {
			return
		}
		ent := back.Value.(*replayEntry)
		if ent.ts.After(cutoff) {
			return
		}
		delete(c.items, ent.key)
		c.order.Remove(back)
	}
}
