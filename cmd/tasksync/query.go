package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zeusync/tasksync/internal/core/protocol"
	"github.com/zeusync/tasksync/sdk/go/client"
)

func newListCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:     "list <table>",
		Aliases: []string{"ls"},
		Short:   "List the rows of a table in the local replica",
		GroupID: "data",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd.Context(), func(c *client.Client) error {
				rows, err := c.List(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if g.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), rows)
				}
				return writeRows(cmd.OutOrStdout(), rows)
			})
		},
	}
}

func newGetCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:     "get <table> <id>",
		Short:   "Show one row of the local replica",
		GroupID: "data",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withClient(cmd.Context(), func(c *client.Client) error {
				row, err := c.Get(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), row)
			})
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeRows prints rows as a table with id first and the other columns
// sorted by name.
func writeRows(w io.Writer, rows []protocol.Record) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "no rows")
		return err
	}

	seen := map[string]bool{"id": true}
	var columns []string
	for _, row := range rows {
		for k := range row {
			if !seen[k] {
				seen[k] = true
				columns = append(columns, k)
			}
		}
	}
	sort.Strings(columns)
	columns = append([]string{"id"}, columns...)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.ToUpper(strings.Join(columns, "\t")))
	for _, row := range rows {
		cells := make([]string, len(columns))
		for i, col := range columns {
			if v, ok := row[col]; ok && v != nil {
				cells[i] = fmt.Sprint(v)
			}
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	return tw.Flush()
}
