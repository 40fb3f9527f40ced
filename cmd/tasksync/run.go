package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zeusync/tasksync/internal/core/session"
	"github.com/zeusync/tasksync/sdk/go/client"
)

func newRunCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:     "run",
		Short:   "Connect and keep the replica in sync until interrupted",
		GroupID: "sync",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return g.withClient(ctx, func(c *client.Client) error {
				events, sub := c.Subscribe()
				defer sub.Cancel()

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "client %s, %d local change(s) pending\n", c.ID(), len(c.Pending()))
				go func() {
					for t := range events {
						printTransition(out, t)
					}
				}()
				return c.Run(ctx)
			})
		},
	}
}

func printTransition(w io.Writer, t session.Transition) {
	ts := t.Time().Format("15:04:05.000")
	switch e := t.(type) {
	case session.StateChanged:
		if e.Failure != nil {
			fmt.Fprintf(w, "%s %s -> %s (%v)\n", ts, e.From, e.To, e.Failure)
			return
		}
		fmt.Fprintf(w, "%s %s -> %s\n", ts, e.From, e.To)
	case session.PositionConfirmed:
		fmt.Fprintf(w, "%s confirmed %s\n", ts, e.LSN)
	case session.ChangeRejected:
		fmt.Fprintf(w, "%s rejected %s %s %s: %v\n", ts, e.Operation, e.Table, e.ChangeID, e.Failure)
	}
}
