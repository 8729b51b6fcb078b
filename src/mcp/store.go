package mcp

import (
	"sync"
)

// ReportCache holds failure reports of finished jobs. A finished job's
// test groups and history no longer change, so its report can be served
// again without walking the project history.
type ReportCache interface {
	Get(jobID string) (FailureReport, bool)
	Put(jobID string, report FailureReport)
}

// InMemoryCache is a bounded ReportCache that evicts in insertion order.
type InMemoryCache struct {
	mu      sync.RWMutex
	max     int
	order   []string
	reports map[string]FailureReport
}

// DefaultCacheSize bounds NewInMemoryCache when size is not positive.
const DefaultCacheSize = 256

func NewInMemoryCache(size int) *InMemoryCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &InMemoryCache{
		max:     size,
		reports: make(map[string]FailureReport),
	}
}

func (c *InMemoryCache) Get(jobID string) (FailureReport, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, ok := c.reports[jobID]
	return r, ok
}

func (c *InMemoryCache) Put(jobID string, report FailureReport) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.reports[jobID]; !ok {
		c.order = append(c.order, jobID)
	}
	c.reports[jobID] = report

	for len(c.order) > c.max {
		delete(c.reports, c.order[0])
		c.order = c.order[1:]
	}
}
