// Package cache holds the last known-good endpoint for each service path.
package cache

import "sync"

// Endpoints maps a logical service path to the URL of a health-verified
// endpoint. Entries never expire; a later Put for the same path wins.
type Endpoints struct {
	mtx  sync.RWMutex
	urls map[string]string
}

// NewEndpoints returns an empty cache.
func NewEndpoints() *Endpoints {
	return &Endpoints{urls: make(map[string]string)}
}

// Get returns the cached URL for path, if any.
func (c *Endpoints) Get(path string) (string, bool) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	url, ok := c.urls[path]
	return url, ok
}

// Put records url as the endpoint serving path.
func (c *Endpoints) Put(path, url string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.urls[path] = url
}

// Snapshot returns a copy of every entry.
func (c *Endpoints) Snapshot() map[string]string {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	out := make(map[string]string, len(c.urls))
	for k, v := range c.urls {
		out[k] = v
	}
	return out
}
