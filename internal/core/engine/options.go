package engine

import (
	"time"

	"github.com/zeusync/tasksync/internal/core/protocol"
	"github.com/zeusync/tasksync/internal/core/session"
	"github.com/zeusync/tasksync/internal/core/transport"
)

const (
	DefaultChunkTimeout  = 30 * time.Second
	DefaultRetryInterval = time.Second
)

type Options struct {
	// ClientID is used when the state store holds none yet. Empty means a
	// fresh id is generated and persisted.
	ClientID string
	// Token is presented to the server on every connect.
	Token string

	Hierarchy      session.Hierarchy
	ExpectedTables []string

	ChunkTimeout      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Backoff           transport.Backoff
	SendBatchSize     int
	// RetryInterval is how often the outbox is scanned for entries whose ack
	// window elapsed.
	RetryInterval time.Duration

	Codec protocol.Codec
}

func (o Options) withDefaults() Options {
	if o.Hierarchy == nil {
		o.Hierarchy = session.DefaultHierarchy()
	}
	if o.ChunkTimeout <= 0 {
		o.ChunkTimeout = DefaultChunkTimeout
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = transport.DefaultHeartbeatInterval
	}
	if o.HeartbeatTimeout == 0 {
		o.HeartbeatTimeout = transport.DefaultHeartbeatTimeout
	}
	if o.Backoff.Min <= 0 {
		o.Backoff.Min = transport.DefaultBackoffMin
	}
	if o.Backoff.Max <= 0 {
		o.Backoff.Max = max(transport.DefaultBackoffMax, o.Backoff.Min)
	}
	if o.Backoff.Factor < 1 {
		o.Backoff.Factor = transport.DefaultBackoffFactor
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.Codec == nil {
		o.Codec = &protocol.JSONCodec{}
	}
	return o
}
