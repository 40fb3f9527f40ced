package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/zeusync/tasksync/internal/core/observability/log"
)

// handleSync upgrades the request and serves the client on the calling
// goroutine. Parameters and the token are checked before the handshake.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	conn, params, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		s.logger.Warn("Rejected websocket client",
			log.String("remote_addr", r.RemoteAddr),
			log.Error(err))
		return
	}
	err = s.Serve(conn, params)
	m := conn.Metrics()
	fields := []log.Field{
		log.String("client_id", params.ClientID),
		log.String("remote_addr", conn.RemoteAddr().String()),
		log.Duration("idle", time.Since(conn.LastActivity())),
		log.Uint64("messages_sent", m.MessagesSent),
		log.Uint64("messages_received", m.MessagesReceived),
		log.Uint64("bytes_sent", m.BytesSent),
		log.Uint64("bytes_received", m.BytesReceived),
	}
	if err != nil && !errors.Is(err, ErrServerClosed) {
		fields = append(fields, log.Error(err))
	}
	s.logger.Debug("Websocket session ended", fields...)
}
