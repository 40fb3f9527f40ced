package client

import "errors"

// Client-specific errors
var (
	ErrClientClosed  = errors.New("client is closed")
	ErrInvalidConfig = errors.New("invalid client configuration")
	ErrUnknownTable  = errors.New("unknown table")
	ErrInvalidChange = errors.New("invalid change")
)
