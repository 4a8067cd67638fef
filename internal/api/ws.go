package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"BotProxy/internal/apperr"
	"BotProxy/internal/chatbot"
)

const (
	socketWriteWait = 10 * time.Second
	socketReadLimit = maxBodyBytes
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Same policy as CORS: any origin may connect.
	CheckOrigin: func(*http.Request) bool { return true },
}

// socketFrame is one server message on /chat/ws: a reply or an error, tagged with its HTTP-equivalent status.
type socketFrame struct {
	Status   int          `json:"status"`
	Response any          `json:"response,omitempty"`
	Mode     chatbot.Mode `json:"mode,omitempty"`
	Error    string       `json:"error,omitempty"`
	Missing  []string     `json:"missing,omitempty"`
}

// handleChatSocket serves chat turns over a WebSocket. Every text frame carries the
// same body as POST /chat and is answered by exactly one frame, in order.
func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "request_id", RequestID(r.Context()), "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(socketReadLimit)

	userID := userOf(r)
	ctx := context.WithoutCancel(r.Context())
	s.logger.Info("websocket opened", "request_id", RequestID(ctx), "user_id", userID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read failed", "request_id", RequestID(ctx), "error", err)
			}
			return
		}

		frame := s.socketTurn(ctx, r, userID, data)
		if err := s.writeFrame(conn, frame); err != nil {
			s.logger.Warn("websocket write failed", "request_id", RequestID(ctx), "error", err)
			return
		}
	}
}

func (s *Server) socketTurn(ctx context.Context, r *http.Request, userID string, data []byte) socketFrame {
	var req chatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return s.errorFrame(r, apperr.Validation("invalid JSON body"))
	}
	if _, err := s.validateChat(&req); err != nil {
		return s.errorFrame(r, err)
	}

	reply, err := s.bot.HandleTurn(ctx, chatbot.Turn{
		AssistantID: req.AssistantID,
		UserID:      userID,
		Message:     req.Message,
		History:     req.History,
	})
	if err != nil {
		return s.errorFrame(r, err)
	}
	return socketFrame{Status: http.StatusOK, Response: reply.Response, Mode: reply.Mode}
}

func (s *Server) errorFrame(r *http.Request, err error) socketFrame {
	s.logError(r, err)
	body := errorBodyOf(err)
	return socketFrame{Status: apperr.HTTPStatus(err), Error: body.Error, Missing: body.Missing}
}

func (s *Server) writeFrame(conn *websocket.Conn, frame socketFrame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(socketWriteWait)); err != nil {
		return err
	}
	err := conn.WriteJSON(frame)
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}
