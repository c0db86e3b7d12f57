package contextbuild

import (
	"container/list"
	"sync"
)

const defaultCacheCapacity = 128

// MemoryCache is a bounded in-process LRU of assembled contexts, keyed by
// context id. Contexts are cheap to rebuild, so eviction is harmless.
type MemoryCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[string]*list.Element
}

type cacheEntry struct {
	id  string
	ctx Context
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		capacity: defaultCacheCapacity,
		order:    list.New(),
		items:    map[string]*list.Element{},
	}
}

func (c *MemoryCache) Get(id string) (Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return Context{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).ctx, true
}

func (c *MemoryCache) Put(ctx Context) {
	if ctx.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[ctx.ID]; ok {
		el.Value.(*cacheEntry).ctx = ctx
		c.order.MoveToFront(el)
		return
	}
	c.items[ctx.ID] = c.order.PushFront(&cacheEntry{id: ctx.ID, ctx: ctx})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).id)
	}
}
