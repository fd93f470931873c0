package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bdobrica/Kioku/internal/kioku/observability"
)

const (
	wsReadLimit    = 64 << 10
	wsIdleTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// Frame types sent to WebSocket clients.
const (
	frameReply = "reply"
	frameError = "error"
)

type wsInbound struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

type wsOutbound struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Code string `json:"code,omitempty"`
}

// handleChatWS runs chat turns over a WebSocket. Each text frame is a JSON
// object {user_id, text}; user_id may instead be fixed for the connection
// with the user_id query parameter. Turns on one connection are handled in
// order.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	fixedUser := strings.TrimSpace(r.URL.Query().Get("user_id"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx := r.Context()
	log := observability.WithTrace(ctx, s.logger)
	log.Debug("httpapi: websocket connected", "remote", r.RemoteAddr)

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	})

	write := func(out wsOutbound) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(out); err != nil {
			log.Debug("httpapi: websocket write failed", "err", err)
			return false
		}
		return true
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("httpapi: websocket closed", "err", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))

		var in wsInbound
		if err := json.Unmarshal(data, &in); err != nil {
			if !write(wsOutbound{Type: frameError, Text: err.Error(), Code: "invalid_request"}) {
				return
			}
			continue
		}
		userID := strings.TrimSpace(in.UserID)
		if fixedUser != "" {
			userID = fixedUser
		}

		reply, err := s.deps.Chat.Handle(ctx, TransportWebSocket, userID, in.Text)
		out := wsOutbound{Type: frameReply, Text: reply}
		if err != nil {
			_, code := classify(err)
			out = wsOutbound{Type: frameError, Text: err.Error(), Code: code}
		}
		if !write(out) {
			return
		}
	}
}
