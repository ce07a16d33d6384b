package cache

import (
	"sync"
	"time"
)

// Entry is the last polled state of one experiment's job.
type Entry struct {
	At     time.Time
	Host   string
	JobID  string
	Status string
	// Err is the error of the poll that produced this entry, if any. The
	// status is then the last one known before that poll.
	Err error
}

// Cache is the interface used by the monitor, metrics and the status API.
type Cache interface {
	Set(experiment string, e Entry)
	Delete(experiment string)
	Snapshot() map[string]Entry
}

// MemCache is an in-memory implementation of Cache.
type MemCache struct {
	mu   sync.RWMutex
	data map[string]Entry
}

func NewMemCache() *MemCache {
	return &MemCache{
		data: make(map[string]Entry),
	}
}

func (c *MemCache) Set(experiment string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[experiment] = e
}

func (c *MemCache) Delete(experiment string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, experiment)
}

func (c *MemCache) Snapshot() map[string]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Entry, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}
