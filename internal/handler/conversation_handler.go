package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/skoolo/messaging-api/internal/dto"
	"github.com/skoolo/messaging-api/internal/middleware"
	"github.com/skoolo/messaging-api/internal/service"
	appErrors "github.com/skoolo/messaging-api/pkg/errors"
	"github.com/skoolo/messaging-api/pkg/response"
)

// ConversationHandler exposes conversation directory endpoints.
type ConversationHandler struct {
	service *service.ConversationService
}

// NewConversationHandler constructs handler.
func NewConversationHandler(svc *service.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: svc}
}

// List godoc
// @Summary List conversations for the current user
// @Tags Chat
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /chat/conversations [get]
func (h *ConversationHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	summaries, err := h.service.ListForUser(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summaries, nil)
}

// Contacts godoc
// @Summary List users the current user may start a conversation with
// @Tags Chat
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /chat/contacts [get]
func (h *ConversationHandler) Contacts(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	start := time.Now()
	contacts, cacheHit, err := h.service.ListEligibleContacts(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, cacheHit)
	meta := middleware.ExtractMeta(c)
	if meta == nil {
		meta = make(map[string]interface{})
	}
	meta["processing_time_ms"] = time.Since(start).Milliseconds()
	response.JSON(c, http.StatusOK, contacts, nil, meta)
}

// CreateDirect godoc
// @Summary Find or create a direct conversation with another user
// @Tags Chat
// @Accept json
// @Produce json
// @Param payload body dto.CreateDirectRequest true "Direct conversation payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /chat/conversations/direct [post]
func (h *ConversationHandler) CreateDirect(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.CreateDirectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid direct conversation payload"))
		return
	}
	detail, err := h.service.FindOrCreateDirect(c.Request.Context(), claims.UserID, req.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// CreateGroup godoc
// @Summary Create a named group conversation
// @Tags Chat
// @Accept json
// @Produce json
// @Param payload body dto.CreateGroupRequest true "Group conversation payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /chat/conversations/group [post]
func (h *ConversationHandler) CreateGroup(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid group conversation payload"))
		return
	}
	detail, err := h.service.CreateGroup(c.Request.Context(), claims.UserID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, detail, nil)
}

// Get godoc
// @Summary Get a conversation with its participants
// @Tags Chat
// @Produce json
// @Param id path string true "Conversation ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /chat/conversations/{id} [get]
func (h *ConversationHandler) Get(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	detail, err := h.service.Get(c.Request.Context(), c.Param("id"), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}
