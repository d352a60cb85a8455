package connhash

import "sync"

// ConfigCache memoizes the parsed Configuration for each ConnHash so
// repeated connect requests from clients sharing one effective
// configuration skip re-parsing pool properties. A plain map suffices:
// one entry per distinct ConnHash the server has ever seen, never needing
// LRU eviction.
type ConfigCache struct {
	mu    sync.RWMutex
	byHash map[string]Configuration
}

// NewConfigCache builds an empty cache.
func NewConfigCache() *ConfigCache {
	return &ConfigCache{byHash: make(map[string]Configuration)}
}

// Get returns the cached Configuration for a ConnHash, if present.
func (c *ConfigCache) Get(connHash string) (Configuration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.byHash[connHash]
	return cfg, ok
}

// Put stores the resolved Configuration for a ConnHash.
func (c *ConfigCache) Put(connHash string, cfg Configuration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byHash[connHash] = cfg
}

// Delete evicts a ConnHash's cached configuration, used when a pool is torn
// down (endpoint-set change forcing a recreate).
func (c *ConfigCache) Delete(connHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byHash, connHash)
}
