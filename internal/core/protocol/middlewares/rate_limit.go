package middlewares

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zeusync/tasksync/internal/core/observability/log"
	"github.com/zeusync/tasksync/internal/core/protocol"
	"github.com/zeusync/tasksync/internal/core/transport"
)

var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitMiddleware caps the change batches a client may push per window.
// Heartbeats and acknowledgments are never limited.
type RateLimitMiddleware struct {
	logger    log.Log
	rateLimit int
	window    time.Duration
	now       func() time.Time
	clients   sync.Map // client ID -> *clientRateLimit
}

type clientRateLimit struct {
	mu     sync.Mutex
	count  int
	window time.Time
}

func NewRateLimit(limit int, window time.Duration, logger log.Log) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		logger:    logger,
		rateLimit: limit,
		window:    window,
		now:       time.Now,
	}
}

func (m *RateLimitMiddleware) Name() string {
	return "rate_limit"
}

func (m *RateLimitMiddleware) Priority() uint16 {
	return 800
}

func (m *RateLimitMiddleware) OnConnect(_ context.Context, client transport.Params) error {
	m.clients.Store(client.ClientID, &clientRateLimit{window: m.now()})
	return nil
}

func (m *RateLimitMiddleware) OnDisconnect(_ context.Context, client transport.Params, _ error) {
	m.clients.Delete(client.ClientID)
}

func (m *RateLimitMiddleware) BeforeHandle(_ context.Context, client transport.Params, env *protocol.Envelope) error {
	if env.Type != protocol.TypeSendChanges || m.rateLimit <= 0 {
		return nil
	}

	now := m.now()
	limit := m.clientLimit(client.ClientID)
	limit.mu.Lock()
	defer limit.mu.Unlock()

	if now.Sub(limit.window) > m.window {
		limit.count = 0
		limit.window = now
	}
	if limit.count >= m.rateLimit {
		m.logger.Warn("Rate limit exceeded",
			log.String("client_id", client.ClientID),
			log.Int("count", limit.count),
			log.Int("limit", m.rateLimit))
		return fmt.Errorf("%w: %d batches per %s", ErrRateLimited, m.rateLimit, m.window)
	}
	limit.count++
	return nil
}

func (m *RateLimitMiddleware) AfterHandle(context.Context, transport.Params, *protocol.Envelope, error) {}

func (m *RateLimitMiddleware) clientLimit(clientID string) *clientRateLimit {
	if l, ok := m.clients.Load(clientID); ok {
		return l.(*clientRateLimit)
	}
	l, _ := m.clients.LoadOrStore(clientID, &clientRateLimit{window: m.now()})
	return l.(*clientRateLimit)
}
