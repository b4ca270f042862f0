package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"forkmesh/internal/adapter/forkprovider"
	"forkmesh/internal/adapter/journal"
	"forkmesh/internal/adapter/sqldb"
	"forkmesh/internal/adapter/store"
	"forkmesh/internal/domain"
	"forkmesh/internal/infra/config"
	"forkmesh/internal/infra/logger"
	"forkmesh/internal/infra/tracer"
	"forkmesh/internal/usecase/cluster"
	"forkmesh/internal/usecase/eventlog"
	"forkmesh/internal/usecase/forksync"
	"forkmesh/internal/usecase/orchestrator"
)

// primaryID is the endpoint id of the primary database.
const primaryID = "primary"

// runtime holds every long-lived component built from the config.
type runtime struct {
	cfg      *config.Config
	log      *slog.Logger
	registry *sqldb.Registry
	store    *store.Store
	agents   *store.CachedAgentStore
	forks    domain.ForkProvider
	local    *forkprovider.LocalProvider // nil unless the local provider is used
	events   *eventlog.Recorder
	journal  *journal.FileJournal // nil unless events.journal_path is set
	orch     *orchestrator.Orchestrator
	syncer   *forksync.Synchronizer
	cluster  *cluster.Coordinator // nil in standalone mode

	closers []func(context.Context) error
}

func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	rt := &runtime{cfg: cfg, log: log}
	rt.closers = append(rt.closers, func(context.Context) error { return closeLog() })

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	rt.closers = append(rt.closers, shutdownTracer)

	rt.registry = sqldb.NewRegistry(sqldb.PoolOptions{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		BusyTimeout:     cfg.Database.BusyTimeout,
	}, logger.Component(log, "sqldb"))
	rt.closers = append(rt.closers, func(context.Context) error { return rt.registry.CloseAll() })

	if err := rt.registry.Register(ctx, primaryID, cfg.Database.Primary); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("open primary: %w", err)
	}
	primary, err := rt.registry.Endpoint(primaryID)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	if rt.store, err = store.New(ctx, primary); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("open store: %w", err)
	}
	rt.agents = store.NewCachedAgentStore(rt.store)

	if rt.forks, rt.local, err = forkprovider.New(cfg.Forks, primary.DB(), logger.Component(log, "forks")); err != nil {
		rt.Close(ctx)
		return nil, err
	}

	rt.events = eventlog.New(cfg.Events.BufferSize, logger.Component(log, "events"))
	if cfg.Events.JournalPath != "" {
		if rt.journal, err = journal.Open(cfg.Events.JournalPath); err != nil {
			rt.Close(ctx)
			return nil, err
		}
		rt.events.AddPublisher(rt.journal)
		rt.closers = append(rt.closers, func(context.Context) error { return rt.journal.Close() })
	}
	rt.orch = orchestrator.New(orchestrator.Deps{
		Agents:                rt.agents,
		Tasks:                 rt.store,
		Messages:              rt.store,
		Metrics:               rt.store,
		Forks:                 rt.forks,
		Endpoints:             rt.registry,
		Events:                rt.events,
		Logger:                logger.Component(log, "orchestrator"),
		MaxAttempts:           cfg.Worker.MaxAttempts,
		StopOnShutdown:        cfg.Agents.StopOnShutdown,
		DeleteForksOnShutdown: cfg.Agents.DeleteForksOnShutdown,
	})
	rt.syncer = forksync.New(forksync.Deps{
		Jobs:           rt.store,
		Endpoints:      rt.registry,
		Events:         rt.events,
		Logger:         logger.Component(log, "forksync"),
		LearningTables: cfg.Sync.LearningTables,
		Resolve:        rt.orch.Endpoint,
		ClaimTTL:       cfg.Sync.ClaimTTL,
	})
	return rt, nil
}

// connectCluster joins the redis cluster when it is enabled in the config.
func (rt *runtime) connectCluster(ctx context.Context) error {
	cc := rt.cfg.Cluster
	if cc == nil || !cc.Enabled {
		return nil
	}
	nodeID := cc.NodeID
	if nodeID == "" {
		host, _ := os.Hostname()
		nodeID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	lockTTL := 30 * time.Second
	if cc.LockTTL != "" {
		if d, err := time.ParseDuration(cc.LockTTL); err == nil {
			lockTTL = d
		}
	}

	opts, err := goredis.ParseURL(cc.RedisURL)
	if err != nil {
		return fmt.Errorf("parse cluster redis URL: %w", err)
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return fmt.Errorf("cluster redis ping: %w", err)
	}

	rt.cluster = cluster.NewCoordinator(&redisAdapter{client: rdb},
		cluster.CoordinatorConfig{NodeID: nodeID, LockTTL: lockTTL}, logger.Component(rt.log, "cluster"))
	rt.events.AddPublisher(rt.cluster)
	rt.closers = append(rt.closers, func(context.Context) error { return rt.cluster.Stop() })
	rt.log.Info("cluster mode enabled", "node_id", nodeID, "redis_url", cc.RedisURL)
	return nil
}

// liveForks returns the endpoint ids of agents that hold a fork pool.
func (rt *runtime) liveForks(ctx context.Context) ([]string, error) {
	agents, err := rt.orch.ListAgents(ctx, domain.AgentFilter{Statuses: []domain.AgentStatus{domain.AgentRunning, domain.AgentIdle}})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		if _, err := rt.orch.Endpoint(ctx, a.ID); err != nil {
			rt.log.Warn("skipping agent without fork", "agent_id", a.ID, "error", err)
			continue
		}
		ids = append(ids, a.ID)
	}
	return ids, nil
}

// Close releases components in reverse construction order.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// withRuntime builds a runtime for one CLI command and closes it afterwards.
func withRuntime(ctx context.Context, fn func(*runtime) error) error {
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))
	return fn(rt)
}
