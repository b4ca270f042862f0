package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"forkmesh/internal/domain"
)

func newTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "task",
		Short:   "Submit and inspect queued tasks",
		GroupID: "manage",
	}
	cmd.AddCommand(newTaskSubmitCommand(), newTaskShowCommand(), newTaskListCommand())
	return cmd
}

func newTaskSubmitCommand() *cobra.Command {
	var (
		payload  string
		priority int
	)
	cmd := &cobra.Command{
		Use:   "submit <agent-id> <task-type>",
		Short: "Queue a task for an agent",
		Long: `Queue a task for a running agent. The payload is inline JSON or @file.

Built-in task types: analyze-schema, validate-query, optimize-query,
aggregate-learning, run-experiment, custom and test-task.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readPayload(payload)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				id, err := rt.orch.SubmitTask(cmd.Context(), args[0], args[1], body, priority)
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "task payload as JSON or @file")
	cmd.Flags().IntVar(&priority, "priority", 0, "higher runs first")
	return cmd
}

func newTaskShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Print a task and its result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				t, err := rt.orch.GetTask(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func newTaskListCommand() *cobra.Command {
	var (
		agentID string
		status  string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := domain.TaskStatus(status)
			if status != "" && !st.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				tasks, err := rt.orch.ListTasks(cmd.Context(), agentID, st)
				if err != nil {
					return err
				}
				if len(tasks) == 0 {
					fmt.Println("No tasks found.")
					return nil
				}
				w := newTable(os.Stdout)
				fmt.Fprintln(w, "ID\tAGENT\tTYPE\tSTATUS\tPRIORITY\tATTEMPTS\tCREATED\tERROR")
				for _, t := range tasks {
					created := t.CreatedAt
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d/%d\t%s\t%s\n",
						t.ID, t.AgentID, t.Type, statusColor(string(t.Status)), t.Priority,
						t.Attempts, t.MaxAttempts, formatTime(&created), orDash(t.Error))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "only tasks of this agent")
	cmd.Flags().StringVar(&status, "status", "", "pending, running, completed or failed")
	return cmd
}
