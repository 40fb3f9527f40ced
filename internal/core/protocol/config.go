package protocol

import "time"

// Config holds channel-level settings shared by the websocket and QUIC
// connections.
type Config struct {
	// Network settings
	URL          string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Message settings
	MaxMessageSize    int
	EnableCompression bool

	// Buffering
	ReadBufferSize  int
	WriteBufferSize int
}

// DefaultConfig returns default channel configuration
func DefaultConfig() Config {
	return Config{
		DialTimeout:     15 * time.Second,
		ReadTimeout:     0,
		WriteTimeout:    10 * time.Second,
		MaxMessageSize:  16 * 1024 * 1024, // 16MB, snapshot chunks can be large
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

// Metrics provides channel traffic counters
type Metrics struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
}
