// Package cluster provides redis-backed leases and event fan-out so several
// forkmesh daemons can share one primary database.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"forkmesh/internal/domain"
)

const (
	leasePrefix   = "forkmesh:lease:"
	eventsChannel = "forkmesh:events"
)

// RedisClient abstracts the Redis operations needed by Coordinator.
// This allows a real go-redis client or a mock to be used interchangeably.
type RedisClient interface {
	// SetNX sets key to value if it does not exist. Returns true if set.
	SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error)
	// Del deletes one or more keys.
	Del(ctx context.Context, keys ...string) error
	// Get retrieves the value of a key.
	Get(ctx context.Context, key string) (string, error)
	// Publish publishes a message to a channel.
	Publish(ctx context.Context, channel string, message string) error
	// Subscribe subscribes to a channel. Returns a channel of messages.
	Subscribe(ctx context.Context, channel string) (<-chan string, error)
	// Close shuts down the client.
	Close() error
}

// Coordinator hands out named, expiring leases and broadcasts events to
// other nodes.
type Coordinator struct {
	nodeID  string
	client  RedisClient
	logger  *slog.Logger
	lockTTL time.Duration

	mu       sync.Mutex
	stopOnce sync.Once
	stopCh   chan struct{}
	handlers []EventHandler
}

// EventHandler processes events received from other nodes.
type EventHandler func(ctx context.Context, node string, event domain.Event)

// CoordinatorConfig holds configuration for the cluster coordinator.
type CoordinatorConfig struct {
	NodeID  string
	LockTTL time.Duration // default: 30s
}

// envelope tags a broadcast event with its origin so a node can skip its own.
type envelope struct {
	Node  string       `json:"node"`
	Event domain.Event `json:"event"`
}

// NewCoordinator creates a coordinator over client.
func NewCoordinator(client RedisClient, cfg CoordinatorConfig, logger *slog.Logger) *Coordinator {
	lockTTL := cfg.LockTTL
	if lockTTL == 0 {
		lockTTL = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		nodeID:  cfg.NodeID,
		client:  client,
		logger:  logger,
		lockTTL: lockTTL,
		stopCh:  make(chan struct{}),
	}
}

// NodeID returns this node's identifier.
func (c *Coordinator) NodeID() string { return c.nodeID }

// AcquireLease attempts to take the named lease for lockTTL.
// Returns false when another node holds it.
func (c *Coordinator) AcquireLease(ctx context.Context, name string) (bool, error) {
	acquired, err := c.client.SetNX(ctx, leasePrefix+name, c.nodeID, c.lockTTL)
	if err != nil {
		return false, fmt.Errorf("cluster: acquire lease %q: %w", name, err)
	}
	if acquired {
		c.logger.Debug("lease acquired", "lease", name, "node", c.nodeID)
	}
	return acquired, nil
}

// ReleaseLease drops the named lease if this node holds it.
func (c *Coordinator) ReleaseLease(ctx context.Context, name string) error {
	key := leasePrefix + name

	owner, err := c.client.Get(ctx, key)
	if err != nil {
		// Expired or never taken.
		return nil
	}
	if owner != c.nodeID {
		c.logger.Debug("skipping lease release (not owner)", "lease", name, "owner", owner, "node", c.nodeID)
		return nil
	}
	if err := c.client.Del(ctx, key); err != nil {
		return fmt.Errorf("cluster: release lease %q: %w", name, err)
	}
	c.logger.Debug("lease released", "lease", name, "node", c.nodeID)
	return nil
}

// WithLease runs fn while holding the named lease. It returns
// domain.ErrLeaseNotAcquired without calling fn when another node holds it.
func (c *Coordinator) WithLease(ctx context.Context, name string, fn func(context.Context) error) error {
	ok, err := c.AcquireLease(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return domain.NewDomainError("Coordinator.WithLease", domain.ErrLeaseNotAcquired, name)
	}
	defer func() {
		if err := c.ReleaseLease(context.WithoutCancel(ctx), name); err != nil {
			c.logger.Warn("lease release failed", "lease", name, "error", err)
		}
	}()
	return fn(ctx)
}

// PublishEvent broadcasts a domain event to all cluster nodes.
func (c *Coordinator) PublishEvent(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(envelope{Node: c.nodeID, Event: event})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return c.client.Publish(ctx, eventsChannel, string(data))
}

// SubscribeEvents registers a handler for events from other nodes and starts listening.
func (c *Coordinator) SubscribeEvents(ctx context.Context, handler EventHandler) error {
	c.mu.Lock()
	c.handlers = append(c.handlers, handler)
	c.mu.Unlock()

	ch, err := c.client.Subscribe(ctx, eventsChannel)
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}

	go func() {
		for {
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg), &env); err != nil {
					c.logger.Warn("failed to unmarshal cluster event", "error", err)
					continue
				}
				if env.Node == c.nodeID {
					continue
				}
				c.mu.Lock()
				handlers := append([]EventHandler{}, c.handlers...)
				c.mu.Unlock()
				for _, h := range handlers {
					h(ctx, env.Node, env.Event)
				}
			}
		}
	}()
	return nil
}

// Stop shuts down the coordinator. It is safe to call more than once.
func (c *Coordinator) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopCh)
		err = c.client.Close()
	})
	return err
}
