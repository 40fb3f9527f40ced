package quic

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/zeusync/tasksync/internal/core/observability/log"
	"github.com/zeusync/tasksync/internal/core/protocol"
	"github.com/zeusync/tasksync/internal/core/transport"
)

// Listener accepts sync channels on the server side.
type Listener struct {
	listener *quic.Listener
	config   protocol.Config
	logger   log.Log
}

// Listen starts a QUIC listener on addr.
func Listen(addr string, config protocol.Config, quicConf Config, tlsConf *tls.Config, logger log.Log) (*Listener, error) {
	listener, err := quic.ListenAddr(addr, tlsConf, quicConf.build())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", addr)
	}
	l := &Listener{
		listener: listener,
		config:   config,
		logger:   logger.With(log.String("listener_addr", listener.Addr().String())),
	}
	l.logger.Info("QUIC listener created")
	return l, nil
}

// Accept waits for a connection, its stream and the hello frame.
func (l *Listener) Accept(ctx context.Context) (*StreamChannel, transport.Params, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, transport.Params{}, errors.Wrap(err, "failed to accept QUIC connection")
	}

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return nil, transport.Params{}, errors.Wrap(err, "failed to accept stream")
	}

	ch := NewStreamChannel(stream, l.config, func() error {
		return conn.CloseWithError(0, "closed")
	})

	frame, err := ch.Receive(ctx)
	if err != nil {
		_ = ch.Close()
		return nil, transport.Params{}, errors.Wrap(err, "failed to read hello")
	}
	var h hello
	if err := json.Unmarshal(frame, &h); err != nil || h.ClientID == "" {
		_ = ch.Close()
		return nil, transport.Params{}, errors.Wrap(protocol.ErrProtocolViolation, "invalid hello frame")
	}

	l.logger.Info("QUIC connection accepted",
		log.String("remote_addr", conn.RemoteAddr().String()),
		log.String("client_id", h.ClientID))
	return ch, transport.Params{ClientID: h.ClientID, LSN: h.LSN, Token: h.Token}, nil
}

// Addr returns the listener address
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *Listener) Close() error {
	return l.listener.Close()
}
