package cache

import (
	"context"
	"sync"

	"github.com/inferloop/splitlab/pkg/models"
)

// MemoryCache keeps running experiments in process memory. Entries are
// copied on the way in and out so callers never share state.
type MemoryCache struct {
	mu          sync.RWMutex
	experiments map[string]*models.Experiment
}

// NewMemoryCache creates an empty in-memory cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{experiments: make(map[string]*models.Experiment)}
}

// Get returns a copy of the cached experiment
func (c *MemoryCache) Get(_ context.Context, id string) (*models.Experiment, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	exp, ok := c.experiments[id]
	if !ok {
		return nil, false
	}
	return exp.Clone(), true
}

// Put caches a copy of the experiment
func (c *MemoryCache) Put(_ context.Context, exp *models.Experiment) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.experiments[exp.ID] = exp.Clone()
	return nil
}

// Invalidate drops an experiment from the cache
func (c *MemoryCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.experiments, id)
	return nil
}

// Len returns the number of cached experiments
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.experiments)
}
