package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"forkmesh/internal/domain"
)

func newSyncCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sync",
		Short:   "Copy table data between forks and the primary",
		Long:    `Endpoints are agent ids or "primary".`,
		GroupID: "manage",
	}
	cmd.AddCommand(
		newSyncCreateCommand(),
		newSyncRunCommand(),
		newSyncShowCommand(),
		newSyncListCommand(),
		newSyncLearningCommand(),
	)
	return cmd
}

func newSyncCreateCommand() *cobra.Command {
	var (
		cfg     domain.SyncConfig
		mode    string
		dir     string
		policy  string
		filters []string
		tsCols  []string
		run     bool
	)
	cmd := &cobra.Command{
		Use:   "create <source> <target> <table>...",
		Short: "Create a sync job and optionally run it",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.SourceID, cfg.TargetID, cfg.Tables = args[0], args[1], args[2:]
			cfg.Mode = domain.SyncMode(mode)
			cfg.Direction = domain.SyncDirection(dir)
			cfg.ConflictResolution = domain.ConflictPolicy(policy)
			var err error
			if cfg.Filters, err = parsePairs("--filter", filters); err != nil {
				return err
			}
			if cfg.TimestampColumns, err = parsePairs("--timestamp-column", tsCols); err != nil {
				return err
			}

			return withRuntime(cmd.Context(), func(rt *runtime) error {
				job, err := rt.syncer.CreateSyncJob(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				if !run {
					fmt.Println(job.ID)
					return nil
				}
				if job, err = rt.syncer.ExecuteSync(cmd.Context(), job.ID); err != nil {
					return err
				}
				return reportJob(job)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&mode, "mode", string(domain.SyncIncremental), "incremental, full or selective")
	f.StringVar(&dir, "direction", "", "fork-to-primary, primary-to-fork or fork-to-fork")
	f.StringVar(&policy, "conflict", "", "source-wins, target-wins, merge or manual")
	f.StringArrayVar(&filters, "filter", nil, "table=predicate for selective mode (repeatable)")
	f.StringArrayVar(&tsCols, "timestamp-column", nil, "table=column for incremental mode (repeatable)")
	f.BoolVar(&run, "run", false, "execute the job right away")
	return cmd
}

// parsePairs turns "k=v" flag values into a map.
func parsePairs(flag string, values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(values))
	for _, v := range values {
		k, val, ok := strings.Cut(v, "=")
		if !ok || k == "" || val == "" {
			return nil, fmt.Errorf("%s %q: want table=value", flag, v)
		}
		out[k] = val
	}
	return out, nil
}

func newSyncRunCommand() *cobra.Command {
	var pending bool
	cmd := &cobra.Command{
		Use:   "run [job-id]",
		Short: "Execute a sync job, or every pending job with --pending",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if pending == (len(args) == 1) {
				return fmt.Errorf("pass either a job id or --pending")
			}
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				if pending {
					n, err := rt.syncer.RunPending(cmd.Context())
					fmt.Printf("Ran %d pending job(s)\n", n)
					return err
				}
				job, err := rt.syncer.ExecuteSync(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return reportJob(job)
			})
		},
	}
	cmd.Flags().BoolVar(&pending, "pending", false, "run every pending job")
	return cmd
}

func newSyncShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Print a sync job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				job, err := rt.syncer.GetJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(job)
			})
		},
	}
}

func newSyncListCommand() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sync jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := domain.SyncStatus(status)
			if status != "" && !st.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				jobs, err := rt.syncer.ListJobs(cmd.Context(), st)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Println("No sync jobs found.")
					return nil
				}
				w := newTable(os.Stdout)
				fmt.Fprintln(w, "ID\tSOURCE\tTARGET\tMODE\tSTATUS\tPROGRESS\tRECORDS\tCONFLICTS\tCREATED")
				for _, j := range jobs {
					created := j.CreatedAt
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d%%\t%d\t%d\t%s\n",
						j.ID, j.Config.SourceID, j.Config.TargetID, j.Config.Mode, statusColor(string(j.Status)),
						j.Progress, j.RecordsSynced, len(j.Conflicts), formatTime(&created))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending, running, completed or failed")
	return cmd
}

func newSyncLearningCommand() *cobra.Command {
	var (
		target string
		from   []string
	)
	cmd := &cobra.Command{
		Use:   "learning",
		Short: "Merge learning tables from agent forks into a target",
		Long: `Runs an incremental source-wins job per fork over the configured learning
tables. Without --from every running or idle agent is merged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				forks := from
				if len(forks) == 0 {
					var err error
					if forks, err = rt.liveForks(cmd.Context()); err != nil {
						return err
					}
				}
				if len(forks) == 0 {
					fmt.Println("No agent forks to merge.")
					return nil
				}
				jobs, mergeErr := rt.syncer.MergeLearningData(cmd.Context(), forks, target)
				for _, j := range jobs {
					fmt.Printf("%s  %s -> %s  %s  %d record(s)\n",
						j.ID, j.Config.SourceID, j.Config.TargetID, statusColor(string(j.Status)), j.RecordsSynced)
				}
				return mergeErr
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", primaryID, "endpoint receiving the rows")
	cmd.Flags().StringSliceVar(&from, "from", nil, "agent ids to merge from")
	return cmd
}

func reportJob(job *domain.SyncJob) error {
	fmt.Printf("Job %s %s: %d record(s), progress %d%%\n", job.ID, statusColor(string(job.Status)), job.RecordsSynced, job.Progress)
	if len(job.Conflicts) > 0 {
		fmt.Printf("  %s\n", yellow(fmt.Sprintf("%d conflict(s) left for review", len(job.Conflicts))))
		for _, c := range job.Conflicts {
			fmt.Printf("    %s\n", c)
		}
	}
	for _, e := range job.Errors {
		fmt.Printf("  %s\n", red(e))
	}
	if job.Status == domain.SyncFailed {
		return fmt.Errorf("sync job %s failed", job.ID)
	}
	return nil
}
