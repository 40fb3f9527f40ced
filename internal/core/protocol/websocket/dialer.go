// Package websocket carries the sync protocol over gorilla websockets.
package websocket

import (
	"context"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/zeusync/tasksync/internal/core/observability/log"
	"github.com/zeusync/tasksync/internal/core/protocol"
	"github.com/zeusync/tasksync/internal/core/transport"
)

var _ transport.Dialer = (*Dialer)(nil)

// Dialer opens websocket channels to config.URL. Connection parameters are
// passed as query arguments.
type Dialer struct {
	config protocol.Config
	dialer *websocket.Dialer
	header http.Header
	logger log.Log
}

func NewDialer(config protocol.Config, logger log.Log) *Dialer {
	return &Dialer{
		config: config,
		dialer: &websocket.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			HandshakeTimeout:  config.DialTimeout,
			ReadBufferSize:    config.ReadBufferSize,
			WriteBufferSize:   config.WriteBufferSize,
			EnableCompression: config.EnableCompression,
		},
		header: http.Header{},
		logger: logger.With(log.String("protocol", "websocket")),
	}
}

// SetHeader adds a header sent with every handshake.
func (d *Dialer) SetHeader(key, value string) {
	d.header.Set(key, value)
}

func (d *Dialer) Dial(ctx context.Context, params transport.Params) (transport.Channel, error) {
	u, err := url.Parse(d.config.URL)
	if err != nil {
		return nil, errors.Wrapf(protocol.ErrDialFailed, "invalid url %q: %v", d.config.URL, err)
	}
	q := u.Query()
	for k, v := range params.Query() {
		q[k] = v
	}
	u.RawQuery = q.Encode()

	if d.config.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.DialTimeout)
		defer cancel()
	}

	conn, resp, err := d.dialer.DialContext(ctx, u.String(), d.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		d.logger.Debug("Websocket dial failed", log.String("url", u.Redacted()), log.Int("status", status), log.Error(err))
		return nil, errors.Wrapf(protocol.ErrDialFailed, "dial %s: %v", u.Host, err)
	}

	d.logger.Info("Websocket connected", log.String("remote_addr", conn.RemoteAddr().String()))
	return NewConnection(conn, d.config), nil
}
