package middlewares

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/zeusync/tasksync/internal/core/observability/log"
	"github.com/zeusync/tasksync/internal/core/protocol"
	"github.com/zeusync/tasksync/internal/core/transport"
)

var ErrUnauthorized = errors.New("unauthorized")

// AuthMiddleware admits clients presenting a shared token. An empty token
// lets everyone in.
type AuthMiddleware struct {
	token  string
	logger log.Log
}

func NewAuth(token string, logger log.Log) *AuthMiddleware {
	return &AuthMiddleware{token: token, logger: logger}
}

func (m *AuthMiddleware) Name() string {
	return "auth"
}

// Priority places auth after logging so refusals are logged.
func (m *AuthMiddleware) Priority() uint16 {
	return 900
}

func (m *AuthMiddleware) OnConnect(_ context.Context, client transport.Params) error {
	if client.ClientID == "" {
		return fmt.Errorf("%w: missing client id", ErrUnauthorized)
	}
	if m.token == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(client.Token), []byte(m.token)) != 1 {
		m.logger.Warn("Client presented a bad token", log.String("client_id", client.ClientID))
		return fmt.Errorf("%w: client %s", ErrUnauthorized, client.ClientID)
	}
	return nil
}

func (m *AuthMiddleware) OnDisconnect(context.Context, transport.Params, error) {}

func (m *AuthMiddleware) BeforeHandle(context.Context, transport.Params, *protocol.Envelope) error {
	return nil
}

func (m *AuthMiddleware) AfterHandle(context.Context, transport.Params, *protocol.Envelope, error) {}
