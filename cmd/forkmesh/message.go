package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newMessageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "message",
		Short:   "Send and read inter-agent messages",
		GroupID: "manage",
	}
	cmd.AddCommand(newMessageSendCommand(), newMessageListCommand(), newMessageReadCommand())
	return cmd
}

func newMessageSendCommand() *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "send <from-agent> <to-agent> <type>",
		Short: "Send a message between agents",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readPayload(payload)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				m, err := rt.orch.SendMessage(cmd.Context(), args[0], args[1], args[2], body)
				if err != nil {
					return err
				}
				fmt.Println(m.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "message payload as JSON or @file")
	return cmd
}

func newMessageListCommand() *cobra.Command {
	var unread bool
	cmd := &cobra.Command{
		Use:   "list <agent-id>",
		Short: "List messages addressed to an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				msgs, err := rt.orch.GetMessages(cmd.Context(), args[0], unread)
				if err != nil {
					return err
				}
				if len(msgs) == 0 {
					fmt.Println("No messages.")
					return nil
				}
				w := newTable(os.Stdout)
				fmt.Fprintln(w, "ID\tFROM\tTYPE\tREAD\tSENT\tPAYLOAD")
				for _, m := range msgs {
					sent := m.CreatedAt
					read := yellow("no")
					if m.Read {
						read = faint("yes")
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						m.ID, m.FromAgent, m.Type, read, formatTime(&sent), orDash(string(m.Payload)))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&unread, "unread", false, "only unread messages")
	return cmd
}

func newMessageReadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "read <message-id>",
		Short: "Mark a message as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(rt *runtime) error {
				return rt.orch.MarkMessageRead(cmd.Context(), args[0])
			})
		},
	}
}
