package middlewares

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/zeusync/tasksync/internal/core/protocol"
	"github.com/zeusync/tasksync/internal/core/transport"
)

// MessageStats counts the messages of one type.
type MessageStats struct {
	Count  int64 `json:"count"`
	Errors int64 `json:"errors"`
}

// MetricsMiddleware counts handled messages per type and connections.
type MetricsMiddleware struct {
	messages    sync.Map // message type -> *messageCounters
	connects    int64
	disconnects int64
}

type messageCounters struct {
	count  int64
	errors int64
}

func NewMetrics() *MetricsMiddleware {
	return &MetricsMiddleware{}
}

func (m *MetricsMiddleware) Name() string {
	return "metrics"
}

// Priority runs metrics last so refused messages are counted as errors.
func (m *MetricsMiddleware) Priority() uint16 {
	return 100
}

func (m *MetricsMiddleware) OnConnect(context.Context, transport.Params) error {
	atomic.AddInt64(&m.connects, 1)
	return nil
}

func (m *MetricsMiddleware) OnDisconnect(context.Context, transport.Params, error) {
	atomic.AddInt64(&m.disconnects, 1)
}

func (m *MetricsMiddleware) BeforeHandle(context.Context, transport.Params, *protocol.Envelope) error {
	return nil
}

func (m *MetricsMiddleware) AfterHandle(_ context.Context, _ transport.Params, env *protocol.Envelope, err error) {
	c := m.counters(string(env.Type))
	atomic.AddInt64(&c.count, 1)
	if err != nil {
		atomic.AddInt64(&c.errors, 1)
	}
}

func (m *MetricsMiddleware) counters(messageType string) *messageCounters {
	if c, ok := m.messages.Load(messageType); ok {
		return c.(*messageCounters)
	}
	c, _ := m.messages.LoadOrStore(messageType, &messageCounters{})
	return c.(*messageCounters)
}

// Messages returns the counters per message type.
func (m *MetricsMiddleware) Messages() map[string]MessageStats {
	out := make(map[string]MessageStats)
	m.messages.Range(func(key, value any) bool {
		c := value.(*messageCounters)
		out[key.(string)] = MessageStats{
			Count:  atomic.LoadInt64(&c.count),
			Errors: atomic.LoadInt64(&c.errors),
		}
		return true
	})
	return out
}

// Connections returns how many clients connected and disconnected.
func (m *MetricsMiddleware) Connections() (connects, disconnects int64) {
	return atomic.LoadInt64(&m.connects), atomic.LoadInt64(&m.disconnects)
}
