package server

import "errors"

// Server-specific errors
var (
	ErrServerClosed         = errors.New("server is closed")
	ErrServerAlreadyRunning = errors.New("server is already running")
	ErrMaxClientsReached    = errors.New("maximum clients reached")
	ErrListenerFailed       = errors.New("failed to create listener")

	ErrUnknownTable    = errors.New("unknown table")
	ErrDuplicateRow    = errors.New("row already exists")
	ErrRowNotFound     = errors.New("row not found")
	ErrUniqueViolation = errors.New("unique constraint violated")
)
