package server

import (
	"context"
	"net/http"

	"msgd/protocol"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HTTPHandler serves the WebSocket transport on /ws and Prometheus metrics
// on /metrics. Connections accepted on /ws live until ctx is done.
func (s *Server) HTTPHandler(ctx context.Context) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
			return
		}
		s.ServeConn(ctx, protocol.NewWebSocketConn(ws, s.cfg.MaxFrame))
	})
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}
