package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zeusync/tasksync/internal/config"
	"github.com/zeusync/tasksync/internal/injector"
	"github.com/zeusync/tasksync/sdk/go/client"
)

// globals holds the persistent flags shared by every command.
type globals struct {
	configPath string
	dataDir    string
	serverURL  string
	clientID   string
	jsonOutput bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "tasksync",
		Short: "Local-first users, projects, tasks and comments, kept in sync",
		Long: `tasksync keeps a local SQLite replica of the synced tables. Writes go to the
replica and a durable outbox first; "tasksync run" connects to the server,
pulls what changed and pushes the outbox.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&g.configPath, "config", "c", "tasksync.yaml", "configuration file")
	flags.StringVar(&g.dataDir, "data-dir", "", "directory of the local replica (overrides client.data_dir)")
	flags.StringVar(&g.serverURL, "server", "", "server websocket URL (overrides server.url)")
	flags.StringVar(&g.clientID, "client-id", "", "client id (overrides client.id)")
	flags.BoolVar(&g.jsonOutput, "json", false, "print JSON")

	root.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "data", Title: "Data Commands:"},
		&cobra.Group{ID: "system", Title: "System Commands:"},
	)
	root.SetHelpCommandGroupID("system")
	root.SetCompletionCommandGroupID("system")

	root.AddCommand(
		newRunCmd(g),
		newStatusCmd(g),
		newFailuresCmd(g),
		newAddCmd(g),
		newUpdateCmd(g),
		newDeleteCmd(g),
		newListCmd(g),
		newGetCmd(g),
		newConfigCmd(g),
	)
	return root
}

// load reads the configuration file and applies the flag overrides.
func (g *globals) load() (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if g.dataDir != "" {
		cfg.Client.DataDir = g.dataDir
	}
	if g.serverURL != "" {
		cfg.Server.URL = g.serverURL
	}
	if g.clientID != "" {
		cfg.Client.ID = g.clientID
	}
	return cfg, cfg.Validate()
}

// withClient opens the local replica, runs fn and closes everything.
func (g *globals) withClient(ctx context.Context, fn func(c *client.Client) error) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	c, cleanup, err := injector.InitializeClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open replica: %w", err)
	}
	defer cleanup()
	return fn(c)
}
