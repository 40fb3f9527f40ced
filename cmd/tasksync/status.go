package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zeusync/tasksync/internal/core/outbox"
	"github.com/zeusync/tasksync/sdk/go/client"
)

type statusView struct {
	ClientID         string `json:"clientId"`
	State            string `json:"state"`
	LastConfirmedLSN string `json:"lastConfirmedLsn"`
	Unsynced         int    `json:"unsynced"`
	Failed           int    `json:"failed"`
}

func newStatusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show the replica position and the local change queue",
		GroupID: "sync",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd.Context(), func(c *client.Client) error {
				st := c.Status()
				view := statusView{
					ClientID:         st.ClientID,
					State:            st.State.String(),
					LastConfirmedLSN: st.LastConfirmedLSN.String(),
					Unsynced:         st.Unsynced,
					Failed:           st.FailedChanges,
				}
				if g.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), view)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "CLIENT:   %s\n", view.ClientID)
				fmt.Fprintf(out, "POSITION: %s\n", view.LastConfirmedLSN)
				fmt.Fprintf(out, "UNSYNCED: %d\n", view.Unsynced)
				fmt.Fprintf(out, "FAILED:   %d\n", view.Failed)
				return nil
			})
		},
	}
}

func newFailuresCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "failures",
		Short:   "List local changes the server rejected",
		GroupID: "sync",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd.Context(), func(c *client.Client) error {
				failed := c.Failures()
				if g.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), failed)
				}
				printEntries(cmd, failed)
				return nil
			})
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "discard <change-id>",
			Short: "Drop a failed change",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return g.withClient(cmd.Context(), func(c *client.Client) error {
					if err := c.Discard(cmd.Context(), args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "discarded %s\n", args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "retry <change-id>",
			Short: "Queue a failed change again",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return g.withClient(cmd.Context(), func(c *client.Client) error {
					if err := c.Retry(cmd.Context(), args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "queued %s again\n", args[0])
					return nil
				})
			},
		},
	)
	return cmd
}

func printEntries(cmd *cobra.Command, entries []outbox.Entry) {
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "no failed changes")
		return
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%s  %s %s/%s  %s  (%s)\n",
			e.ID, e.Operation, e.Table, e.Data.ID(), e.FailureReason, e.EnqueuedAt.Format(time.RFC3339))
	}
}
