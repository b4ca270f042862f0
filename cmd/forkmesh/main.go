// Command forkmesh runs the agent daemon and manages agents, tasks, sync
// jobs and forks against the primary database.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var configPath string

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "forkmesh",
		Short: "Agents on database forks, with a task queue and fork synchronizer",
		Long: `forkmesh binds each agent to its own fork of the primary database,
queues tasks against it and copies table data between forks and the primary.

Configuration is read from a YAML file (default ./config.yaml) and FORKMESH_*
environment variables. Encrypted values are decrypted with FORKMESH_CONFIG_KEY.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the config file")

	root.AddGroup(
		&cobra.Group{ID: "daemon", Title: "Daemon:"},
		&cobra.Group{ID: "manage", Title: "Management:"},
	)
	root.AddCommand(
		newServeCommand(),
		newAgentCommand(),
		newTaskCommand(),
		newSyncCommand(),
		newForkCommand(),
		newMessageCommand(),
		newConfigCommand(),
		newDoctorCommand(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		color.Red("Error: %v", err)
		stop()
		os.Exit(1)
	}
}
