package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/skoolo/messaging-api/internal/dto"
	"github.com/skoolo/messaging-api/internal/models"
	"github.com/skoolo/messaging-api/internal/realtime"
	"github.com/skoolo/messaging-api/internal/service"
	appErrors "github.com/skoolo/messaging-api/pkg/errors"
	"github.com/skoolo/messaging-api/pkg/response"
)

const presenceRefreshInterval = 30 * time.Second

// WSHandler upgrades HTTP requests into live conversation subscriptions.
type WSHandler struct {
	hub           *realtime.Hub
	conversations *service.ConversationService
	messages      *service.MessageService
	presence      *service.PresenceService
	auth          *service.AuthService
	upgrader      websocket.Upgrader
	logger        *zap.Logger
}

// NewWSHandler constructs handler.
func NewWSHandler(
	hub *realtime.Hub,
	conversations *service.ConversationService,
	messages *service.MessageService,
	presence *service.PresenceService,
	auth *service.AuthService,
	logger *zap.Logger,
) *WSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHandler{
		hub:           hub,
		conversations: conversations,
		messages:      messages,
		presence:      presence,
		auth:          auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin is enforced by the CORS layer in front of the API.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Connect godoc
// @Summary Subscribe to live events of a conversation
// @Description Upgrades to a websocket. Authenticate with the Authorization
// @Description header or a "token" query parameter. Inbound frames support
// @Description chat.send and chat.mark_read ops.
// @Tags Chat
// @Param id path string true "Conversation ID"
// @Param token query string false "Access token"
// @Success 101 {string} string "Switching Protocols"
// @Failure 401 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /chat/conversations/{id}/ws [get]
func (h *WSHandler) Connect(c *gin.Context) {
	claims := h.resolveClaims(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	conversationID := c.Param("id")
	if err := h.conversations.CanSubscribe(c.Request.Context(), conversationID, claims.UserID); err != nil {
		response.Error(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", claims.UserID), zap.Error(err))
		return
	}

	onSend := func(ctx context.Context, userID string, req dto.SendMessageRequest) error {
		_, err := h.messages.Send(ctx, userID, req, nil)
		return err
	}
	onMarkRead := func(ctx context.Context, userID, messageID string) error {
		return h.messages.MarkRead(ctx, messageID, userID)
	}

	client := realtime.NewClient(h.hub, conn, conversationID, claims.UserID, onSend, onMarkRead, h.logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.keepPresence(ctx, claims.UserID)

	client.Run(ctx)
}

// resolveClaims reads claims attached by the JWT middleware, falling back to
// a token query parameter since browsers cannot set headers on a websocket
// dial.
func (h *WSHandler) resolveClaims(c *gin.Context) *models.JWTClaims {
	if claims := claimsFromContext(c); claims != nil {
		return claims
	}
	token := c.Query("token")
	if token == "" {
		return nil
	}
	claims, err := h.auth.ValidateToken(token)
	if err != nil {
		return nil
	}
	return claims
}

// keepPresence marks the user online for the lifetime of the connection,
// refreshing the TTL key until the socket drops.
func (h *WSHandler) keepPresence(ctx context.Context, userID string) {
	if h.presence == nil {
		return
	}
	if err := h.presence.Heartbeat(ctx, userID); err != nil {
		h.logger.Debug("presence heartbeat failed", zap.String("user_id", userID), zap.Error(err))
	}
	ticker := time.NewTicker(presenceRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.presence.Offline(context.Background(), userID)
			return
		case <-ticker.C:
			if err := h.presence.Heartbeat(ctx, userID); err != nil {
				h.logger.Debug("presence heartbeat failed", zap.String("user_id", userID), zap.Error(err))
			}
		}
	}
}
