package quic

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	"github.com/zeusync/tasksync/internal/core/lsn"
	"github.com/zeusync/tasksync/internal/core/observability/log"
	"github.com/zeusync/tasksync/internal/core/protocol"
	"github.com/zeusync/tasksync/internal/core/transport"
)

// Config holds QUIC-specific configuration
type Config struct {
	MaxIdleTimeout       time.Duration
	KeepAlivePeriod      time.Duration
	HandshakeIdleTimeout time.Duration

	MaxStreamReceiveWindow     uint64
	MaxConnectionReceiveWindow uint64
}

// DefaultQUICConfig returns default QUIC configuration
func DefaultQUICConfig() Config {
	return Config{
		MaxIdleTimeout:             60 * time.Second,
		KeepAlivePeriod:            15 * time.Second,
		HandshakeIdleTimeout:       10 * time.Second,
		MaxStreamReceiveWindow:     6 * 1024 * 1024,
		MaxConnectionReceiveWindow: 15 * 1024 * 1024,
	}
}

func (c Config) build() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:             c.MaxIdleTimeout,
		KeepAlivePeriod:            c.KeepAlivePeriod,
		HandshakeIdleTimeout:       c.HandshakeIdleTimeout,
		MaxStreamReceiveWindow:     c.MaxStreamReceiveWindow,
		MaxConnectionReceiveWindow: c.MaxConnectionReceiveWindow,
		MaxIncomingStreams:         1,
		MaxIncomingUniStreams:      -1,
	}
}

// hello is the first frame on a fresh stream. It carries what the websocket
// transport sends as query parameters.
type hello struct {
	ClientID string  `json:"clientId"`
	LSN      lsn.LSN `json:"lsn"`
	Token    string  `json:"token,omitempty"`
}

var _ transport.Dialer = (*Dialer)(nil)

// Dialer opens a QUIC connection and one stream per channel.
type Dialer struct {
	addr     string
	config   protocol.Config
	quicConf Config
	tlsConf  *tls.Config
	logger   log.Log
}

func NewDialer(addr string, config protocol.Config, quicConf Config, tlsConf *tls.Config, logger log.Log) *Dialer {
	tlsConf = tlsConf.Clone()
	if tlsConf.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			tlsConf.ServerName = addr
		} else {
			tlsConf.ServerName = host
		}
	}
	return &Dialer{
		addr:     addr,
		config:   config,
		quicConf: quicConf,
		tlsConf:  tlsConf,
		logger:   logger.With(log.String("protocol", "quic")),
	}
}

func (d *Dialer) Dial(ctx context.Context, params transport.Params) (transport.Channel, error) {
	if d.config.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.DialTimeout)
		defer cancel()
	}

	conn, err := quic.DialAddr(ctx, d.addr, d.tlsConf, d.quicConf.build())
	if err != nil {
		return nil, errors.Wrapf(protocol.ErrDialFailed, "dial %s: %v", d.addr, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "stream open failed")
		return nil, errors.Wrapf(protocol.ErrDialFailed, "open stream: %v", err)
	}

	ch := NewStreamChannel(stream, d.config, func() error {
		return conn.CloseWithError(0, "closed")
	})

	frame, err := json.Marshal(hello{ClientID: params.ClientID, LSN: params.LSN, Token: params.Token})
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Send(ctx, frame); err != nil {
		_ = ch.Close()
		return nil, errors.Wrapf(protocol.ErrDialFailed, "send hello: %v", err)
	}

	d.logger.Info("QUIC connection established",
		log.String("local_addr", conn.LocalAddr().String()),
		log.String("remote_addr", conn.RemoteAddr().String()))
	return ch, nil
}
