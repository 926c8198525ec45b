package dialogue

import "sync"

// responseCache is a bounded map with oldest-insertion eviction. Keys are
// serialised conversation histories, values the full response text.
type responseCache struct {
	mu    sync.Mutex
	max   int
	items map[string]string
	order []string // insertion order, oldest first
}

func newResponseCache(max int) *responseCache {
	return &responseCache{
		max:   max,
		items: make(map[string]string, max),
	}
}

func (c *responseCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	return v, ok
}

// Put stores value under key, evicting the oldest entry on overflow. Storing
// an existing key refreshes the value but not its eviction position.
func (c *responseCache) Put(key, value string) {
	if c.max <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[key]; ok {
		c.items[key] = value
		return
	}
	if len(c.order) >= c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.items, oldest)
	}
	c.items[key] = value
	c.order = append(c.order, key)
}

func (c *responseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
