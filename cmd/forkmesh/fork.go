package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newForkCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "fork",
		Short:   "Inspect forks and snapshots of the primary",
		GroupID: "manage",
	}
	cmd.AddCommand(newForkListCommand(), newForkSnapshotCommand(), newForkSnapshotsCommand())
	return cmd
}

func newForkListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List forks known to the provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				forks, err := rt.forks.ListServices(cmd.Context())
				if err != nil {
					return err
				}
				if len(forks) == 0 {
					fmt.Println("No forks found.")
					return nil
				}
				w := newTable(os.Stdout)
				fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPARENT\tSNAPSHOT\tCREATED")
				for _, f := range forks {
					created := f.CreatedAt
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						f.ID, f.Name, f.Status, orDash(f.ParentID), orDash(f.SnapshotSource), formatTime(&created))
				}
				return w.Flush()
			})
		},
	}
}

func newForkSnapshotCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Snapshot the primary for last-snapshot and to-timestamp forks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				if rt.local == nil {
					return fmt.Errorf("snapshots need the local fork provider")
				}
				snap, err := rt.local.Snapshot(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("Snapshot %s taken at %s\n", snap.Path, formatTime(&snap.TakenAt))
				return nil
			})
		},
	}
}

func newForkSnapshotsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshots",
		Short: "List snapshots of the primary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				if rt.local == nil {
					return fmt.Errorf("snapshots need the local fork provider")
				}
				snaps, err := rt.local.Snapshots()
				if err != nil {
					return err
				}
				if len(snaps) == 0 {
					fmt.Println("No snapshots found.")
					return nil
				}
				w := newTable(os.Stdout)
				fmt.Fprintln(w, "TAKEN\tPATH")
				for _, s := range snaps {
					taken := s.TakenAt
					fmt.Fprintf(w, "%s\t%s\n", formatTime(&taken), s.Path)
				}
				return w.Flush()
			})
		},
	}
}
