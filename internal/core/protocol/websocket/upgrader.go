package websocket

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/zeusync/tasksync/internal/core/protocol"
	"github.com/zeusync/tasksync/internal/core/transport"
)

// Upgrader accepts websocket channels on the server side.
type Upgrader struct {
	config    protocol.Config
	upgrader  websocket.Upgrader
	authorize func(transport.Params) error
}

func NewUpgrader(config protocol.Config) *Upgrader {
	return &Upgrader{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			EnableCompression: config.EnableCompression,
		},
	}
}

// SetAuthorizer installs a check run on the connection parameters before
// the handshake. A rejected client gets 401 and no websocket.
func (u *Upgrader) SetAuthorizer(fn func(transport.Params) error) {
	u.authorize = fn
}

// Upgrade completes the handshake and returns the channel together with the
// client's connection parameters.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Connection, transport.Params, error) {
	params, err := transport.ParamsFromQuery(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, transport.Params{}, errors.Wrap(err, "invalid connection parameters")
	}
	if params.ClientID == "" {
		http.Error(w, "clientId is required", http.StatusBadRequest)
		return nil, transport.Params{}, errors.Wrap(protocol.ErrMissingField, "clientId")
	}
	if u.authorize != nil {
		if err := u.authorize(params); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return nil, transport.Params{}, errors.Wrap(err, "connection rejected")
		}
	}

	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, transport.Params{}, errors.Wrap(err, "websocket upgrade failed")
	}
	return NewConnection(conn, u.config), params, nil
}
