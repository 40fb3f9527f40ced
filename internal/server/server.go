// Package server is a reference sync server: it keeps an in-memory change
// log and serves snapshots, backlogs and live changes to clients over
// websocket or QUIC. It is meant for local development and tests.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/tasksync/internal/core/observability/log"
	"github.com/zeusync/tasksync/internal/core/protocol"
	"github.com/zeusync/tasksync/internal/core/protocol/middlewares"
	"github.com/zeusync/tasksync/internal/core/protocol/quic"
	"github.com/zeusync/tasksync/internal/core/protocol/websocket"
	"github.com/zeusync/tasksync/internal/core/session"
	"github.com/zeusync/tasksync/internal/core/transport"
)

// Options holds server configuration
type Options struct {
	Hierarchy session.Hierarchy
	// Unique lists, per table, the columns whose values must not repeat.
	Unique map[string][]string

	// ChunkSize caps the changes carried by one message.
	ChunkSize         int
	HeartbeatInterval time.Duration
	// HeartbeatTimeout drops clients silent for longer. Zero disables it.
	HeartbeatTimeout time.Duration
	// EchoOwnChanges sends a client its own committed changes back. When
	// false the client only gets srv_lsn_update for them.
	EchoOwnChanges bool

	MaxClients int
	Token      string
	// RateLimit caps the change batches one client may push per RateWindow.
	// Zero disables it.
	RateLimit  int
	RateWindow time.Duration
	Protocol   protocol.Config
}

// DefaultOptions returns default server configuration
func DefaultOptions() Options {
	return Options{
		Hierarchy:         session.DefaultHierarchy(),
		Unique:            map[string][]string{"users": {"email"}},
		ChunkSize:         500,
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  0,
		EchoOwnChanges:    true,
		MaxClients:        1000,
		RateWindow:        time.Second,
		Protocol:          protocol.DefaultConfig(),
	}
}

// Server hands out the change log to connected clients.
type Server struct {
	opts     Options
	changes  *ChangeLog
	chain    *middlewares.Chain
	metrics  *middlewares.MetricsMiddleware
	upgrader *websocket.Upgrader
	logger   log.Log

	clients     sync.Map // map[clientID]*peer
	clientCount int64    // atomic

	running int32 // atomic bool
	closed  int32 // atomic bool

	ctx    context.Context
	cancel context.CancelFunc
	peers  sync.WaitGroup
}

// New creates a server with an empty change log.
func New(opts Options, logger log.Log) *Server {
	def := DefaultOptions()
	if opts.Hierarchy == nil {
		opts.Hierarchy = def.Hierarchy
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.MaxClients <= 0 {
		opts.MaxClients = def.MaxClients
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = def.RateWindow
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:     opts,
		changes:  NewChangeLog(opts.Hierarchy, opts.Unique),
		metrics:  middlewares.NewMetrics(),
		upgrader: websocket.NewUpgrader(opts.Protocol),
		logger:   logger.With(log.String("component", "server")),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.chain = middlewares.NewChain(
		middlewares.NewLogging(s.logger),
		middlewares.NewAuth(opts.Token, s.logger),
		middlewares.NewRateLimit(opts.RateLimit, opts.RateWindow, s.logger),
		s.metrics,
	)
	s.upgrader.SetAuthorizer(s.admit)

	s.logger.Info("Server created",
		log.Strings("tables", opts.Hierarchy.Tables()),
		log.Int("chunk_size", opts.ChunkSize),
		log.Bool("auth", opts.Token != ""),
		log.Strings("middlewares", s.chain.Names()))
	return s
}

// admit runs the connect hooks. A client admitted here must be passed to
// Serve, which runs the disconnect hooks.
func (s *Server) admit(params transport.Params) error {
	return s.chain.Connect(s.ctx, params)
}

// ChangeLog exposes the server's history, for seeding and inspection.
func (s *Server) ChangeLog() *ChangeLog {
	return s.changes
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	return int(atomic.LoadInt64(&s.clientCount))
}

// Serve runs the sync protocol on an accepted channel until the client
// leaves or the server closes. A client reconnecting under the same id
// replaces its previous session.
func (s *Server) Serve(ch transport.Channel, params transport.Params) (err error) {
	defer func() { s.chain.Disconnect(s.ctx, params, err) }()

	if atomic.LoadInt32(&s.closed) == 1 {
		_ = ch.Close()
		return ErrServerClosed
	}
	if int(atomic.LoadInt64(&s.clientCount)) >= s.opts.MaxClients {
		s.logger.Warn("Maximum clients reached, rejecting connection", log.String("client_id", params.ClientID))
		_ = ch.Close()
		return ErrMaxClientsReached
	}

	s.peers.Add(1)
	defer s.peers.Done()

	p := newPeer(s, ch, params)
	if prev, loaded := s.clients.Swap(params.ClientID, p); loaded {
		p.logger.Info("Replacing previous session")
		prev.(*peer).close()
	} else {
		atomic.AddInt64(&s.clientCount, 1)
	}
	p.logger.Info("Client connected",
		log.Stringer("lsn", params.LSN),
		log.Int64("total_clients", atomic.LoadInt64(&s.clientCount)))

	err = p.run(s.ctx)
	p.close()
	if s.clients.CompareAndDelete(params.ClientID, p) {
		atomic.AddInt64(&s.clientCount, -1)
	}

	p.logger.Info("Client disconnected",
		log.Stringer("cursor", p.cursor),
		log.Int64("total_clients", atomic.LoadInt64(&s.clientCount)))
	return err
}

// ServeQUIC accepts QUIC clients until ctx is done.
func (s *Server) ServeQUIC(ctx context.Context, l *quic.Listener) error {
	s.logger.Debug("QUIC acceptor started", log.String("addr", l.Addr().String()))
	defer s.logger.Debug("QUIC acceptor stopped")

	for {
		ch, params, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("Failed to accept connection", log.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		if err := s.admit(params); err != nil {
			s.logger.Warn("Rejected QUIC client", log.String("client_id", params.ClientID), log.Error(err))
			_ = ch.Close()
			continue
		}
		go func() {
			if err := s.Serve(ch, params); err != nil && !errors.Is(err, ErrServerClosed) {
				s.logger.Debug("QUIC session ended", log.String("client_id", params.ClientID), log.Error(err))
			}
		}()
	}
}

// Run serves HTTP on httpAddr and, when l is set, QUIC clients, until ctx
// is cancelled. It closes the server before returning.
func (s *Server) Run(ctx context.Context, httpAddr string, l *quic.Listener) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrServerClosed
	}
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return ErrServerAlreadyRunning
	}
	defer s.Close()

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Server listening", log.String("http_addr", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Join(ErrListenerFailed, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.cancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if l != nil {
		g.Go(func() error {
			defer l.Close()
			return s.ServeQUIC(gctx, l)
		})
	}
	return g.Wait()
}

// Close disconnects every client and releases all resources
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil // Already closed
	}

	s.logger.Info("Closing server")
	s.cancel()
	s.clients.Range(func(_, value any) bool {
		value.(*peer).close()
		return true
	})
	s.peers.Wait()
	s.logger.Info("Server closed")
	return nil
}
