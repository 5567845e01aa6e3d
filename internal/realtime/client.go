package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/skoolo/messaging-api/internal/dto"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	maxFrameSize  = 64 * 1024
	inboundSendOp = "chat.send"
	inboundMarkOp = "chat.mark_read"
)

// InboundFrame is a client-to-server websocket message.
type InboundFrame struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// SendFunc handles an inbound chat.send frame from a connected user.
type SendFunc func(ctx context.Context, userID string, req dto.SendMessageRequest) error

// MarkReadFunc handles an inbound chat.mark_read frame.
type MarkReadFunc func(ctx context.Context, userID, messageID string) error

// Client pumps one websocket connection subscribed to a conversation topic.
type Client struct {
	conversationID string
	userID         string
	hub            *Hub
	sub            *Subscriber
	conn           *websocket.Conn
	onSend         SendFunc
	onMarkRead     MarkReadFunc
	logger         *zap.Logger
}

// NewClient subscribes the connection to the conversation topic and returns
// the pump driver. Callers must invoke Run.
func NewClient(hub *Hub, conn *websocket.Conn, conversationID, userID string, onSend SendFunc, onMarkRead MarkReadFunc, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		conversationID: conversationID,
		userID:         userID,
		hub:            hub,
		sub:            hub.Subscribe(conversationID, userID),
		conn:           conn,
		onSend:         onSend,
		onMarkRead:     onMarkRead,
		logger:         logger,
	}
}

// Run drives both pumps until the connection drops, then detaches the
// subscriber from the hub.
func (c *Client) Run(ctx context.Context) {
	defer func() {
		c.hub.Unsubscribe(c.conversationID, c.sub)
		_ = c.conn.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.readPump(ctx)
	}()
	c.writePump(ctx, done)
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket closed unexpectedly", zap.String("user_id", c.userID), zap.Error(err))
			}
			return
		}

		var frame InboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.logger.Debug("discarding malformed frame", zap.String("user_id", c.userID), zap.Error(err))
			continue
		}
		c.handleFrame(ctx, frame)
	}
}

func (c *Client) handleFrame(ctx context.Context, frame InboundFrame) {
	switch frame.Op {
	case inboundSendOp:
		if c.onSend == nil {
			return
		}
		var req dto.SendMessageRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			c.logger.Debug("discarding malformed send frame", zap.String("user_id", c.userID), zap.Error(err))
			return
		}
		// A socket client may only send into the topic it is attached to.
		req.ConversationID = c.conversationID
		if err := c.onSend(ctx, c.userID, req); err != nil {
			c.logger.Warn("socket send rejected", zap.String("user_id", c.userID), zap.Error(err))
		}
	case inboundMarkOp:
		if c.onMarkRead == nil {
			return
		}
		var mark struct {
			MessageID string `json:"message_id"`
		}
		if err := json.Unmarshal(frame.Data, &mark); err != nil {
			c.logger.Debug("discarding malformed mark frame", zap.String("user_id", c.userID), zap.Error(err))
			return
		}
		if err := c.onMarkRead(ctx, c.userID, mark.MessageID); err != nil {
			c.logger.Debug("socket mark-read rejected", zap.String("user_id", c.userID), zap.Error(err))
		}
	default:
		c.logger.Debug("ignoring unknown frame op", zap.String("op", frame.Op))
	}
}

func (c *Client) writePump(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case frame, ok := <-c.sub.Out():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
