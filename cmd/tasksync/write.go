package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zeusync/tasksync/internal/core/models"
	"github.com/zeusync/tasksync/internal/core/protocol"
	"github.com/zeusync/tasksync/internal/core/storage"
	"github.com/zeusync/tasksync/sdk/go/client"
)

var errBadAssignment = errors.New("expected key=value")

// parseSets turns repeated --set key=value flags into a record. Timestamp
// columns (suffix _at) holding an integer become numbers, all else stays text.
func parseSets(sets []string) (protocol.Record, error) {
	rec := protocol.Record{}
	for _, s := range sets {
		key, value, ok := strings.Cut(s, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: %q", errBadAssignment, s)
		}
		if n, err := strconv.ParseInt(value, 10, 64); err == nil && strings.HasSuffix(key, "_at") {
			rec[key] = n
			continue
		}
		rec[key] = value
	}
	return rec, nil
}

// checkRow validates a complete row of a known table. Rows of other tables
// are accepted as they are.
func checkRow(table string, rec protocol.Record) (protocol.Record, error) {
	e, err := models.FromRecord(table, rec)
	if errors.Is(err, models.ErrUnknownTable) {
		return rec, nil
	}
	if err != nil {
		return nil, err
	}
	return models.ToRecord(e)
}

func newAddCmd(g *globals) *cobra.Command {
	var sets []string
	cmd := &cobra.Command{
		Use:     "add <table>",
		Short:   "Insert a row locally and queue it for the server",
		GroupID: "data",
		Example: `  tasksync add users --set name=Ada --set email=ada@example.com
  tasksync add tasks --set project_id=p1 --set title="Write docs"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table := args[0]
			rec, err := parseSets(sets)
			if err != nil {
				return err
			}
			if rec.ID() == "" {
				rec["id"] = models.NewID()
			}
			if _, ok := rec["created_at"]; !ok {
				rec["created_at"] = models.Now()
			}
			if rec, err = checkRow(table, rec); err != nil {
				return err
			}

			return g.withClient(cmd.Context(), func(c *client.Client) error {
				entry, err := c.EnqueueLocalChange(cmd.Context(), table, protocol.OpInsert, rec)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (change %s)\n", table, rec.ID(), entry.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "column value as key=value, repeatable")
	return cmd
}

func newUpdateCmd(g *globals) *cobra.Command {
	var sets []string
	cmd := &cobra.Command{
		Use:     "update <table> <id>",
		Short:   "Change columns of a row locally and queue the change",
		GroupID: "data",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, id := args[0], args[1]
			patch, err := parseSets(sets)
			if err != nil {
				return err
			}
			if len(patch) == 0 {
				return fmt.Errorf("%w: nothing to update", errBadAssignment)
			}
			patch["id"] = id

			return g.withClient(cmd.Context(), func(c *client.Client) error {
				current, err := c.Get(cmd.Context(), table, id)
				switch {
				case errors.Is(err, storage.ErrNotFound):
				case err != nil:
					return err
				default:
					merged := current.Clone()
					for k, v := range patch {
						merged[k] = v
					}
					if _, err := checkRow(table, merged); err != nil {
						return err
					}
				}

				entry, err := c.EnqueueLocalChange(cmd.Context(), table, protocol.OpUpdate, patch)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s updated (change %s)\n", table, id, entry.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "column value as key=value, repeatable")
	return cmd
}

func newDeleteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <table> <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a row locally and queue the deletion",
		GroupID: "data",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, id := args[0], args[1]
			return g.withClient(cmd.Context(), func(c *client.Client) error {
				entry, err := c.EnqueueLocalChange(cmd.Context(), table, protocol.OpDelete, protocol.Record{"id": id})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s deleted (change %s)\n", table, id, entry.ID)
				return nil
			})
		},
	}
}
