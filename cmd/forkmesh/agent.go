package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"forkmesh/internal/domain"
)

func newAgentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "agent",
		Short:   "Register and manage agents",
		GroupID: "manage",
	}
	cmd.AddCommand(
		newAgentRegisterCommand(),
		newAgentStartCommand(),
		newAgentStopCommand(),
		newAgentPauseCommand(),
		newAgentListCommand(),
		newAgentShowCommand(),
		newAgentMetricsCommand(),
	)
	return cmd
}

func newAgentRegisterCommand() *cobra.Command {
	var (
		cfg      domain.AgentConfig
		file     string
		strategy string
		at       string
		typ      string
	)
	cmd := &cobra.Command{
		Use:   "register [name]",
		Short: "Register an agent from flags or a YAML file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read agent file: %w", err)
				}
				if err := yaml.Unmarshal(data, &cfg); err != nil {
					return fmt.Errorf("parse agent file: %w", err)
				}
			}
			if len(args) == 1 {
				cfg.Name = args[0]
			}
			if cmd.Flags().Changed("type") || cfg.Type == "" {
				cfg.Type = domain.AgentType(typ)
			}
			if strategy != "" {
				cfg.ForkStrategy = domain.ForkStrategy(strategy)
			}
			if at != "" {
				ts, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				cfg.ForkTimestamp = &ts
			}
			if cmd.Flags().Changed("enabled") {
				cfg.Enabled, _ = cmd.Flags().GetBool("enabled")
			}

			return withRuntime(cmd.Context(), func(rt *runtime) error {
				a, err := rt.orch.RegisterAgent(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				fmt.Printf("Registered agent %s (%s) %s\n", a.ID, a.Config.Name, statusColor(string(a.Status)))
				if a.LastError != "" {
					fmt.Printf("  last error: %s\n", red(a.LastError))
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&file, "file", "f", "", "YAML file with the agent config")
	f.StringVar(&typ, "type", string(domain.AgentCustom), "agent type")
	f.StringVar(&strategy, "fork-strategy", "", "now, last-snapshot or to-timestamp")
	f.StringVar(&at, "at", "", "RFC3339 point in time for to-timestamp")
	f.Bool("enabled", false, "start the agent right after registration")
	f.StringVar(&cfg.Resources.CPU, "cpu", "", "CPU hint for the fork provider")
	f.StringVar(&cfg.Resources.Memory, "memory", "", "memory hint for the fork provider")
	f.BoolVar(&cfg.AutoStart, "auto-start", false, "start the agent when the daemon restores")
	return cmd
}

func newAgentStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start <agent-id>",
		Short: "Provision a fork and start an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				a, err := rt.orch.StartAgent(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Agent %s %s on fork %s\n", a.ID, statusColor(string(a.Status)), orDash(a.ForkID))
				return nil
			})
		},
	}
}

func newAgentStopCommand() *cobra.Command {
	var deleteFork bool
	cmd := &cobra.Command{
		Use:   "stop <agent-id>",
		Short: "Stop an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				a, err := rt.orch.StopAgent(cmd.Context(), args[0], deleteFork)
				if err != nil {
					return err
				}
				fmt.Printf("Agent %s %s\n", a.ID, statusColor(string(a.Status)))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&deleteFork, "delete-fork", false, "delete the agent's fork as well")
	return cmd
}

func newAgentPauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <agent-id>",
		Short: "Pause a running agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				a, err := rt.orch.PauseAgent(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Agent %s %s\n", a.ID, statusColor(string(a.Status)))
				return nil
			})
		},
	}
}

func newAgentListCommand() *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var f domain.AgentFilter
			for _, s := range statuses {
				st := domain.AgentStatus(s)
				if !st.Valid() {
					return fmt.Errorf("unknown status %q", s)
				}
				f.Statuses = append(f.Statuses, st)
			}
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				agents, err := rt.orch.ListAgents(cmd.Context(), f)
				if err != nil {
					return err
				}
				if len(agents) == 0 {
					fmt.Println("No agents found.")
					return nil
				}
				w := newTable(os.Stdout)
				fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tFORK\tTASKS\tERRORS\tLAST ACTIVITY")
				for _, a := range agents {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
						a.ID, a.Config.Name, a.Config.Type, statusColor(string(a.Status)), orDash(a.ForkID),
						a.Metrics.TasksProcessed, a.Metrics.Errors, formatTime(a.LastActivity))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only agents in these states")
	return cmd
}

func newAgentShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Print an agent as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				a, err := rt.orch.GetAgent(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
}

func newAgentMetricsCommand() *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "metrics <agent-id>",
		Short: "Show the metrics history of an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				samples, err := rt.orch.MetricsHistory(cmd.Context(), args[0], time.Now().Add(-since))
				if err != nil {
					return err
				}
				if len(samples) == 0 {
					fmt.Println("No samples recorded.")
					return nil
				}
				w := newTable(os.Stdout)
				fmt.Fprintln(w, "RECORDED\tMETRIC\tVALUE")
				for _, s := range samples {
					ts := s.RecordedAt
					fmt.Fprintf(w, "%s\t%s\t%.2f\n", formatTime(&ts), s.Metric, s.Value)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back to look")
	return cmd
}
