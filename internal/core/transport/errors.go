package transport

import "errors"

var (
	ErrHeartbeatTimeout = errors.New("no traffic from server within heartbeat timeout")
	ErrClosed           = errors.New("transport closed")
)
