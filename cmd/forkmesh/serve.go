package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"forkmesh/internal/domain"
	"forkmesh/internal/infra/logger"
	"forkmesh/internal/usecase/forksync"
	"forkmesh/internal/usecase/scheduling"
	"forkmesh/internal/usecase/worker"
	"forkmesh/internal/usecase/worker/handlers"
)

const (
	shutdownTimeout  = 30 * time.Second
	pruneJournalTask = "prune-journal"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Short:   "Run the task worker and scheduled syncs until interrupted",
		GroupID: "daemon",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())
			return serve(cmd.Context(), rt)
		},
	}
}

func serve(ctx context.Context, rt *runtime) error {
	log := rt.log
	var stops []func()
	stopAll := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
		stops = nil
	}
	defer stopAll()

	if err := rt.connectCluster(ctx); err != nil {
		return err
	}
	if rt.cluster != nil {
		err := rt.cluster.SubscribeEvents(ctx, func(_ context.Context, node string, ev domain.Event) {
			log.Debug("remote event", "node", node, "type", string(ev.Type), "subject", ev.Subject)
		})
		if err != nil {
			return fmt.Errorf("subscribe cluster events: %w", err)
		}
	}

	if rt.cfg.Agents.RestoreOnStart {
		n, err := rt.orch.Restore(ctx)
		if err != nil {
			log.Warn("some agents could not be restored", "error", err)
		}
		log.Info("agents restored", "live", n)
	}

	if rt.cfg.Worker.Enabled {
		reg := worker.NewRegistry()
		if err := handlers.Register(reg, handlers.Options{Logger: logger.Component(log, "handlers")}); err != nil {
			return fmt.Errorf("register handlers: %w", err)
		}
		w := worker.New(worker.Deps{
			Tasks:        rt.store,
			Agents:       rt.store,
			Endpoints:    rt.orch,
			Handlers:     reg,
			Metrics:      rt.orch,
			Events:       rt.events,
			Logger:       logger.Component(log, "worker"),
			PollInterval: rt.cfg.Worker.PollInterval,
			BatchSize:    rt.cfg.Worker.BatchSize,
			RetryBackoff: rt.cfg.Worker.RetryBackoff,
			ClaimTTL:     rt.cfg.Worker.ClaimTTL,
		})
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
		stops = append(stops, w.Stop)
		log.Info("worker started", "task_types", reg.Types())
	}

	sched := scheduling.NewScheduler(logger.Component(log, "scheduler"))
	if rt.cluster != nil {
		sched.SetLeaser(rt.cluster)
	}
	var scheduled []string
	if ac := rt.cfg.Sync.AutoSync; ac.Enabled {
		if err := rt.syncer.AutoSync(sched, ac.Schedule); err != nil {
			return fmt.Errorf("schedule auto-sync: %w", err)
		}
		scheduled = append(scheduled, forksync.AutoSyncTask)
	}
	if lm := rt.cfg.Sync.LearningMerge; lm.Enabled {
		target := lm.Target
		if target == "" {
			target = primaryID
		}
		if err := rt.syncer.ScheduleLearningMerge(sched, lm.Schedule, target, rt.liveForks); err != nil {
			return fmt.Errorf("schedule learning merge: %w", err)
		}
		scheduled = append(scheduled, forksync.LearningMergeTask)
	}
	if rt.journal != nil && rt.cfg.Events.JournalRetention > 0 {
		retention := rt.cfg.Events.JournalRetention
		sched.RegisterAction(scheduling.ActionPruneJournal, func(context.Context) error {
			removed, err := rt.journal.Prune(retention)
			if removed > 0 {
				log.Info("event journal pruned", "removed", removed)
			}
			return err
		})
		if err := sched.AddTask(scheduling.ScheduledTask{Name: pruneJournalTask, Schedule: "@every 1h", Action: scheduling.ActionPruneJournal}); err != nil {
			return fmt.Errorf("schedule journal pruning: %w", err)
		}
		scheduled = append(scheduled, pruneJournalTask)
	}
	if len(scheduled) > 0 {
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		for _, name := range scheduled {
			if next := sched.NextRun(name); next != nil {
				log.Info("task scheduled", "task", name, "next_run", next.Format(time.RFC3339))
			}
		}
		stops = append(stops, func() {
			if err := sched.Stop(); err != nil {
				log.Warn("scheduler stop", "error", err)
			}
		})
	}

	log.Info("forkmesh serving", "worker", rt.cfg.Worker.Enabled, "scheduled", len(scheduled), "cluster", rt.cluster != nil)
	<-ctx.Done()
	log.Info("shutting down")
	stopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.orch.Shutdown(shutdownCtx); err != nil {
		log.Warn("orchestrator shutdown", "error", err)
	}
	return nil
}
