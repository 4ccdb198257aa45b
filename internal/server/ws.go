package server

import (
	"context"
	"errors"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/parleylabs/parley/backend/internal/chat"
	"github.com/parleylabs/parley/backend/internal/realtime"
	"go.uber.org/zap"
)

const wsMaxFrameBytes = 64 * 1024

// Inbound frame kinds a client may send over the socket.
const (
	wsFrameAuth      = "auth"
	wsFrameSubscribe = "subscribe"
	wsFrameReconnect = "reconnect"
	wsFrameMessage   = "message"
	wsFrameTyping    = "typing"
	wsFrameHeartbeat = "heartbeat"
)

type wsInboundFrame struct {
	Type              string `json:"type"`
	Token             string `json:"token,omitempty"`
	RoomID            int64  `json:"room_id,omitempty"`
	LastSeenMessageID int64  `json:"last_seen_message_id,omitempty"`
	Content           string `json:"content,omitempty"`
	ClientMessageID   string `json:"client_message_id,omitempty"`
	IsTyping          bool   `json:"is_typing,omitempty"`
}

type wsAckFrame struct {
	Type     string `json:"type"`
	Op       string `json:"op"`
	Error    string `json:"error,omitempty"`
	Replayed int    `json:"replayed,omitempty"`
}

// wsSender adapts one websocket connection to the registry's Sender contract.
// The registry serializes calls per connection, so no extra locking is needed.
type wsSender struct {
	conn *websocket.Conn
}

func (s *wsSender) Send(ctx context.Context, event realtime.Event) error {
	return wsjson.Write(ctx, s.conn, event)
}

// handleWebSocket runs one realtime session: it registers the transport,
// routes inbound frames to the registry and message service, and tears the
// connection down when the read loop ends.
func (h *httpHandler) handleWebSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye") //nolint:errcheck
	conn.SetReadLimit(wsMaxFrameBytes)

	connectionID := h.registry.Add(&wsSender{conn: conn})
	defer h.registry.Remove(connectionID)

	ctx := c.Request.Context()
	for {
		var frame wsInboundFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				h.logger.Debug("websocket read ended",
					zap.String("connection_id", connectionID),
					zap.Error(err))
			}
			return
		}
		h.dispatchFrame(ctx, conn, connectionID, frame)
	}
}

func (h *httpHandler) dispatchFrame(ctx context.Context, conn *websocket.Conn, connectionID string, frame wsInboundFrame) {
	switch strings.ToLower(strings.TrimSpace(frame.Type)) {
	case wsFrameAuth:
		h.ackFrame(ctx, conn, wsFrameAuth, h.registry.Authenticate(connectionID, frame.Token), 0)
	case wsFrameSubscribe:
		h.ackFrame(ctx, conn, wsFrameSubscribe, h.registry.Subscribe(connectionID, frame.RoomID), 0)
	case wsFrameReconnect:
		replayed, err := h.registry.Reconnect(ctx, connectionID, frame.LastSeenMessageID)
		h.ackFrame(ctx, conn, wsFrameReconnect, err, len(replayed))
	case wsFrameMessage:
		h.createFromSocket(ctx, conn, connectionID, frame)
	case wsFrameTyping:
		h.ackFrame(ctx, conn, wsFrameTyping, h.registry.Typing(connectionID, frame.IsTyping), 0)
	case wsFrameHeartbeat:
		_ = h.registry.Touch(connectionID)
	default:
		h.ackFrame(ctx, conn, frame.Type, errors.New("unknown frame type"), 0)
	}
}

func (h *httpHandler) createFromSocket(ctx context.Context, conn *websocket.Conn, connectionID string, frame wsInboundFrame) {
	userID, roomID, err := h.registry.Session(connectionID)
	if err != nil {
		h.ackFrame(ctx, conn, wsFrameMessage, err, 0)
		return
	}
	if roomID == 0 {
		h.ackFrame(ctx, conn, wsFrameMessage, realtime.ErrNotSubscribed, 0)
		return
	}
	_, err = h.messages.CreateMessage(ctx, chat.CreateMessageRequest{
		RoomID:          roomID,
		AuthorID:        userID,
		Content:         frame.Content,
		ClientMessageID: frame.ClientMessageID,
	})
	h.ackFrame(ctx, conn, wsFrameMessage, err, 0)
}

func (h *httpHandler) ackFrame(ctx context.Context, conn *websocket.Conn, op string, err error, replayed int) {
	ack := wsAckFrame{Type: "ack", Op: op, Replayed: replayed}
	if err != nil {
		ack.Type = "error"
		ack.Error = err.Error()
	}
	if writeErr := wsjson.Write(ctx, conn, ack); writeErr != nil {
		h.logger.Debug("websocket ack write failed", zap.Error(writeErr))
	}
}
