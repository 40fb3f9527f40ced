// Package transport adapts a persistent duplex channel to the sync engine:
// framing through a codec, an ordered inbound queue, heartbeats and the
// reconnect backoff policy.
package transport

import (
	"context"
	"net/url"

	"github.com/zeusync/tasksync/internal/core/lsn"
)

// Params are the connection parameters a client presents to the server.
type Params struct {
	ClientID string
	LSN      lsn.LSN
	// Token is an optional shared secret checked by the server.
	Token string
}

// Query encodes p as URL query parameters.
func (p Params) Query() url.Values {
	v := url.Values{}
	v.Set("clientId", p.ClientID)
	v.Set("lsn", p.LSN.String())
	if p.Token != "" {
		v.Set("token", p.Token)
	}
	return v
}

// ParamsFromQuery is the inverse of Query.
func ParamsFromQuery(v url.Values) (Params, error) {
	p := Params{ClientID: v.Get("clientId"), Token: v.Get("token")}
	if raw := v.Get("lsn"); raw != "" {
		pos, err := lsn.Parse(raw)
		if err != nil {
			return Params{}, err
		}
		p.LSN = pos
	}
	return p, nil
}

// Channel is one established connection carrying whole frames. Send and
// Receive may be called concurrently with each other; Receive returns once
// ctx is done or the channel is closed.
type Channel interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens channels to the server.
type Dialer interface {
	Dial(ctx context.Context, params Params) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, params Params) (Channel, error)

func (f DialerFunc) Dial(ctx context.Context, params Params) (Channel, error) {
	return f(ctx, params)
}
