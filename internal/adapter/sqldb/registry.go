package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"forkmesh/internal/domain"
)

type endpoint struct {
	id      string
	db      *sql.DB
	dialect domain.Dialect
}

func (e *endpoint) ID() string              { return e.id }
func (e *endpoint) DB() *sql.DB             { return e.db }
func (e *endpoint) Dialect() domain.Dialect { return e.dialect }

// NewEndpoint wraps an already opened pool.
func NewEndpoint(id string, db *sql.DB, dialect domain.Dialect) domain.Endpoint {
	return &endpoint{id: id, db: db, dialect: dialect}
}

// Registry holds one pool per endpoint id. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*endpoint
	opts      PoolOptions
	logger    *slog.Logger
}

var _ domain.EndpointRegistry = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry(opts PoolOptions, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		endpoints: make(map[string]*endpoint),
		opts:      opts,
		logger:    logger,
	}
}

// Register opens a pool for dsn under id. An id already present is left as is.
func (r *Registry) Register(ctx context.Context, id, dsn string) error {
	if id == "" {
		return domain.NewDomainError("Registry.Register", domain.ErrInvalidInput, "endpoint id is required")
	}

	r.mu.RLock()
	_, exists := r.endpoints[id]
	r.mu.RUnlock()
	if exists {
		return nil
	}

	db, dialect, err := Open(ctx, dsn, r.opts)
	if err != nil {
		return domain.NewDomainError("Registry.Register", domain.ErrProviderError, err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.endpoints[id]; exists {
		// Lost a race with a concurrent Register for the same id.
		_ = db.Close()
		return nil
	}
	r.endpoints[id] = &endpoint{id: id, db: db, dialect: dialect}
	r.logger.Debug("endpoint registered", "endpoint", id, "dialect", dialect.Name())
	return nil
}

// Add registers an already opened pool, replacing nothing.
func (r *Registry) Add(e domain.Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.endpoints[e.ID()]; exists {
		return domain.NewDomainError("Registry.Add", domain.ErrDuplicate, e.ID())
	}
	r.endpoints[e.ID()] = &endpoint{id: e.ID(), db: e.DB(), dialect: e.Dialect()}
	return nil
}

// Unregister closes and forgets the pool for id. Unknown ids are ignored.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	e, ok := r.endpoints[id]
	delete(r.endpoints, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := e.db.Close(); err != nil {
		return fmt.Errorf("close endpoint %q: %w", id, err)
	}
	r.logger.Debug("endpoint unregistered", "endpoint", id)
	return nil
}

// Endpoint returns the pool registered under id.
func (r *Registry) Endpoint(id string) (domain.Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.endpoints[id]
	if !ok {
		return nil, domain.NewDomainError("Registry.Endpoint", domain.ErrEndpointNotFound, id)
	}
	return e, nil
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.endpoints))
	for id := range r.endpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CloseAll closes every pool and empties the registry.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	endpoints := r.endpoints
	r.endpoints = make(map[string]*endpoint)
	r.mu.Unlock()

	var errs []error
	for id, e := range endpoints {
		if err := e.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close endpoint %q: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
