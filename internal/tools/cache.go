package tools

import (
	"container/list"
	"encoding/json"
	"sync"
	"time"
)

// resultCache is a bounded LRU with per-entry TTL. Eviction happens on
// overflow (least-recently-used first) or on expiry at read time, whichever
// comes first. Safe for concurrent use by parent and subagent loops.
type resultCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	items    map[string]*list.Element

	nowFn func() time.Time
}

type cacheEntry struct {
	key      string
	result   Result
	storedAt time.Time
}

func newResultCache(capacity int, ttl time.Duration) *resultCache {
	return &resultCache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    map[string]*list.Element{},
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

func (c *resultCache) get(key string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return Result{}, false
	}
	entry := elem.Value.(*cacheEntry)
	if c.ttl > 0 && c.nowFn().Sub(entry.storedAt) > c.ttl {
		c.order.Remove(elem)
		delete(c.items, key)
		return Result{}, false
	}
	c.order.MoveToFront(elem)
	return entry.result, true
}

func (c *resultCache) put(key string, res Result) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.result = res
		entry.storedAt = c.nowFn()
		c.order.MoveToFront(elem)
		return
	}
	elem := c.order.PushFront(&cacheEntry{key: key, result: res, storedAt: c.nowFn()})
	c.items[key] = elem
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// cacheKey joins the tool name with canonicalized arguments so semantically
// equal argument maps share an entry regardless of key order.
func cacheKey(name string, args json.RawMessage) string {
	return name + "\x00" + canonicalArgs(args)
}

func canonicalArgs(args json.RawMessage) string {
	if len(args) == 0 {
		return "{}"
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return string(args)
	}
	// Marshal sorts map keys recursively.
	blob, err := json.Marshal(decoded)
	if err != nil {
		return string(args)
	}
	return string(blob)
}
