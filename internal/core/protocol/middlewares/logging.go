package middlewares

import (
	"context"

	"github.com/zeusync/tasksync/internal/core/observability/log"
	"github.com/zeusync/tasksync/internal/core/protocol"
	"github.com/zeusync/tasksync/internal/core/transport"
)

// LoggingMiddleware logs connections and handled messages.
type LoggingMiddleware struct {
	logger log.Log
}

func NewLogging(logger log.Log) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

func (m *LoggingMiddleware) Name() string {
	return "logging"
}

func (m *LoggingMiddleware) Priority() uint16 {
	return 1000
}

func (m *LoggingMiddleware) OnConnect(_ context.Context, client transport.Params) error {
	m.logger.Debug("Client connecting",
		log.String("client_id", client.ClientID),
		log.Stringer("lsn", client.LSN))
	return nil
}

func (m *LoggingMiddleware) OnDisconnect(_ context.Context, client transport.Params, reason error) {
	fields := []log.Field{log.String("client_id", client.ClientID)}
	if reason != nil {
		fields = append(fields, log.Error(reason))
	}
	m.logger.Debug("Client disconnected", fields...)
}

func (m *LoggingMiddleware) BeforeHandle(_ context.Context, client transport.Params, env *protocol.Envelope) error {
	m.logger.Debug("Processing message",
		log.String("client_id", client.ClientID),
		log.String("message_type", string(env.Type)),
		log.String("message_id", env.MessageID))
	return nil
}

func (m *LoggingMiddleware) AfterHandle(_ context.Context, client transport.Params, env *protocol.Envelope, err error) {
	if err == nil {
		return
	}
	m.logger.Warn("Message handling failed",
		log.String("client_id", client.ClientID),
		log.String("message_type", string(env.Type)),
		log.String("message_id", env.MessageID),
		log.Error(err))
}
