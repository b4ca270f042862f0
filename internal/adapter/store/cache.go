package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"forkmesh/internal/domain"
)

// CachedAgentStore is a read-through cache over an AgentStore. Reads by id
// hit the cache first; every write goes to the inner store and then drops
// the cached entry. Callers always receive copies.
type CachedAgentStore struct {
	inner domain.AgentStore

	mu   sync.RWMutex
	byID map[string]*domain.AgentInstance

	hits   atomic.Int64
	misses atomic.Int64
}

var _ domain.AgentStore = (*CachedAgentStore)(nil)

// NewCachedAgentStore wraps inner.
func NewCachedAgentStore(inner domain.AgentStore) *CachedAgentStore {
	return &CachedAgentStore{inner: inner, byID: make(map[string]*domain.AgentInstance)}
}

func (c *CachedAgentStore) CreateAgent(ctx context.Context, a *domain.AgentInstance) error {
	if err := c.inner.CreateAgent(ctx, a); err != nil {
		return err
	}
	c.Invalidate(a.ID)
	return nil
}

func (c *CachedAgentStore) GetAgent(ctx context.Context, id string) (*domain.AgentInstance, error) {
	c.mu.RLock()
	cached, ok := c.byID[id]
	c.mu.RUnlock()
	if ok {
		c.hits.Add(1)
		return cached.Clone(), nil
	}

	c.misses.Add(1)
	a, err := c.inner.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.byID[id] = a.Clone()
	c.mu.Unlock()
	return a, nil
}

// GetAgentByName always reads the inner store; names are only looked up on registration.
func (c *CachedAgentStore) GetAgentByName(ctx context.Context, name string) (*domain.AgentInstance, error) {
	return c.inner.GetAgentByName(ctx, name)
}

func (c *CachedAgentStore) UpdateAgent(ctx context.Context, a *domain.AgentInstance, from domain.AgentStatus) error {
	err := c.inner.UpdateAgent(ctx, a, from)
	c.Invalidate(a.ID)
	return err
}

func (c *CachedAgentStore) UpdateAgentMetrics(ctx context.Context, id string, m domain.AgentMetrics, at time.Time) error {
	err := c.inner.UpdateAgentMetrics(ctx, id, m, at)
	c.Invalidate(id)
	return err
}

func (c *CachedAgentStore) ListAgents(ctx context.Context, f domain.AgentFilter) ([]*domain.AgentInstance, error) {
	return c.inner.ListAgents(ctx, f)
}

// Invalidate drops the cached entry for id.
func (c *CachedAgentStore) Invalidate(id string) {
	c.mu.Lock()
	delete(c.byID, id)
	c.mu.Unlock()
}

// Stats returns the hit and miss counters.
func (c *CachedAgentStore) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
