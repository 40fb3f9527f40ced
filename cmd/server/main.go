package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zeusync/tasksync/internal/config"
	"github.com/zeusync/tasksync/internal/core/observability/log"
	"github.com/zeusync/tasksync/internal/core/protocol/quic"
	"github.com/zeusync/tasksync/internal/injector"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		httpAddr   string
		quicAddr   string
		seedFile   string
		token      string
	)

	cmd := &cobra.Command{
		Use:          "tasksync-server",
		Short:        "Reference sync server for tasksync clients",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("http") {
				cfg.Listen.HTTPAddr = httpAddr
			}
			if flags.Changed("quic") {
				cfg.Listen.QUICAddr = quicAddr
			}
			if flags.Changed("seed") {
				cfg.Listen.SeedFile = seedFile
			}
			if flags.Changed("token") {
				cfg.Listen.Token = token
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "tasksync.yaml", "configuration file")
	cmd.Flags().StringVar(&httpAddr, "http", "", "websocket listen address")
	cmd.Flags().StringVar(&quicAddr, "quic", "", "QUIC listen address, empty disables QUIC")
	cmd.Flags().StringVar(&seedFile, "seed", "", "YAML file with initial rows")
	cmd.Flags().StringVar(&token, "token", "", "shared token clients must present")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, closeLogger, err := injector.InitializeLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLogger()

	srv, cleanup, err := injector.InitializeServer(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	var listener *quic.Listener
	if cfg.Listen.QUICAddr != "" {
		tlsConf, err := quic.ServerTLSConfig(cfg.Listen.CertFile, cfg.Listen.KeyFile)
		if err != nil {
			return fmt.Errorf("load TLS config: %w", err)
		}
		listener, err = quic.Listen(cfg.Listen.QUICAddr, cfg.ProtocolConfig(), quic.DefaultQUICConfig(), tlsConf, logger)
		if err != nil {
			return err
		}
	}

	logger.Info("Starting server",
		log.String("http_addr", cfg.Listen.HTTPAddr),
		log.String("quic_addr", cfg.Listen.QUICAddr),
		log.Stringer("lsn", srv.ChangeLog().Head()))
	return srv.Run(ctx, cfg.Listen.HTTPAddr, listener)
}
