// Package injector assembles the client and server graphs from a
// config.Config.
package injector

import (
	"context"
	"fmt"

	"github.com/google/wire"

	"github.com/zeusync/tasksync/internal/config"
	"github.com/zeusync/tasksync/internal/core/observability/log"
	"github.com/zeusync/tasksync/internal/core/protocol/quic"
	"github.com/zeusync/tasksync/internal/core/protocol/websocket"
	"github.com/zeusync/tasksync/internal/core/storage/sqlite"
	"github.com/zeusync/tasksync/internal/core/transport"
	"github.com/zeusync/tasksync/internal/server"
	"github.com/zeusync/tasksync/sdk/go/client"
)

// LoggerSet provides the process logger.
var LoggerSet = wire.NewSet(
	ProvideLogger,
	wire.Bind(new(log.Log), new(*log.Logger)),
)

// ClientSet provides a client backed by the SQLite replica under
// client.data_dir.
var ClientSet = wire.NewSet(
	LoggerSet,
	ProvideDB,
	ProvideDialer,
	ProvideClientOptions,
	ProvideClient,
)

// ServerSet provides the reference server, seeded when listen.seed_file is
// set. The logger is supplied by the caller, which shares it with the
// listeners.
var ServerSet = wire.NewSet(
	ProvideServerOptions,
	ProvideServer,
)

func ProvideLogger(cfg config.Config) (*log.Logger, func(), error) {
	opts, err := cfg.LogOptions()
	if err != nil {
		return nil, nil, err
	}
	logger, err := log.NewWithOptions(opts)
	if err != nil {
		return nil, nil, err
	}
	return logger, func() { _ = logger.Close() }, nil
}

func ProvideDB(cfg config.Config) (*sqlite.DB, func(), error) {
	db, err := sqlite.Open(cfg.DBPath())
	if err != nil {
		return nil, nil, err
	}
	return db, func() { _ = db.Close() }, nil
}

// ProvideDialer picks the channel named by server.transport.
func ProvideDialer(cfg config.Config, logger log.Log) (transport.Dialer, error) {
	switch cfg.Server.Transport {
	case config.TransportWebsocket:
		return websocket.NewDialer(cfg.ProtocolConfig(), logger), nil
	case config.TransportQUIC:
		tlsConf := quic.ClientTLSConfig("", cfg.Server.InsecureTLS)
		return quic.NewDialer(cfg.Server.QUICAddr, cfg.ProtocolConfig(), quic.DefaultQUICConfig(), tlsConf, logger), nil
	default:
		return nil, fmt.Errorf("%w: server.transport %q", config.ErrInvalid, cfg.Server.Transport)
	}
}

func ProvideClientOptions(cfg config.Config, db *sqlite.DB, dialer transport.Dialer, logger log.Log) client.Options {
	return client.Options{
		Engine:        cfg.EngineOptions(),
		Dialer:        dialer,
		Store:         db,
		State:         db,
		Outbox:        db,
		OutboxOptions: cfg.OutboxOptions(),
		Logger:        logger,
	}
}

func ProvideClient(ctx context.Context, opts client.Options) (*client.Client, func(), error) {
	c, err := client.New(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	return c, func() { _ = c.Close() }, nil
}

func ProvideServerOptions(cfg config.Config) server.Options {
	opts := server.DefaultOptions()
	opts.Hierarchy = cfg.Sync.Hierarchy
	opts.Unique = cfg.Listen.Unique
	if cfg.Listen.ChunkSize > 0 {
		opts.ChunkSize = cfg.Listen.ChunkSize
	}
	if cfg.Listen.HeartbeatInterval > 0 {
		opts.HeartbeatInterval = cfg.Listen.HeartbeatInterval
	}
	opts.Token = cfg.Listen.Token
	opts.RateLimit = cfg.Listen.RateLimit
	if cfg.Listen.RateWindow > 0 {
		opts.RateWindow = cfg.Listen.RateWindow
	}
	opts.Protocol = cfg.ProtocolConfig()
	return opts
}

func ProvideServer(cfg config.Config, opts server.Options, logger log.Log) (*server.Server, func(), error) {
	srv := server.New(opts, logger)
	if cfg.Listen.SeedFile != "" {
		if err := srv.ChangeLog().LoadSeed(cfg.Listen.SeedFile); err != nil {
			_ = srv.Close()
			return nil, nil, err
		}
	}
	return srv, func() { _ = srv.Close() }, nil
}
