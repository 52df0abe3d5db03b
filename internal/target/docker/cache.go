package docker

import (
	"sync"
	"time"
)

// moduleCache holds the module keys found on the daemon by the last
// successful listing.
type moduleCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	keys    []string // sorted
	fetched time.Time
	valid   bool
}

func newModuleCache(ttl time.Duration) *moduleCache {
	return &moduleCache{ttl: ttl, now: time.Now}
}

// get returns the cached keys while they are fresh.
func (c *moduleCache) get() ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.valid || c.ttl <= 0 || c.now().Sub(c.fetched) >= c.ttl {
		return nil, false
	}
	return c.keys, true
}

// store replaces the cached keys. keys must be sorted and not modified
// afterwards.
func (c *moduleCache) store(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = keys
	c.fetched = c.now()
	c.valid = true
}

// invalidate forces the next get to miss.
func (c *moduleCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
}
