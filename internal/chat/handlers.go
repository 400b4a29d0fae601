package chat

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apierrors "github.com/dialogwise/chatcore/internal/errors"
	"github.com/dialogwise/chatcore/internal/logger"
	"github.com/dialogwise/chatcore/internal/session"
	"github.com/dialogwise/chatcore/internal/settings"
)

// Handler exposes the conversation endpoints.
type Handler struct {
	service *Service
	logger  *logger.Logger
}

// NewHandler creates the HTTP handler.
func NewHandler(service *Service, log *logger.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  log.WithComponent("http"),
	}
}

// RegisterRoutes mounts the conversation API under /api.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	api := router.Group("/api")
	api.POST("/process-message", h.ProcessMessage)
	api.GET("/stream-events/:streamingSessionId", h.StreamEvents)
	api.GET("/conversation-config/:chatbotId", h.ConversationConfig)
	api.POST("/upload-image", h.UploadImage)
	api.GET("/conversation-health", h.Health)
}

// ProcessMessage handles POST /api/process-message.
func (h *Handler) ProcessMessage(c *gin.Context) {
	var req ProcessMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "invalid request body", map[string]interface{}{
			"details": err.Error(),
		})
		return
	}

	ctx := logger.WithChatbotID(logger.WithUserID(c.Request.Context(), req.UserID), req.ChatbotID)
	resp, err := h.service.ProcessMessage(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrInvalidInput):
			apierrors.AbortWithBadRequest(c, err.Error(), nil)
		case errors.Is(err, settings.ErrNotFound):
			apierrors.AbortWithBadRequest(c, "unknown chatbot_id", map[string]interface{}{
				"chatbot_id": req.ChatbotID,
			})
		default:
			h.logger.LogError(ctx, err, "process-message failed")
			apierrors.AbortWithInternal(c, "failed to process message", nil)
		}
		return
	}

	c.JSON(http.StatusOK, resp)
}

// StreamEvents handles GET /api/stream-events/:streamingSessionId.
func (h *Handler) StreamEvents(c *gin.Context) {
	streamingSessionID := c.Param("streamingSessionId")

	lastEventID := int64(0)
	if raw := c.Query("lastEventId"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			apierrors.AbortWithBadRequest(c, "lastEventId must be a non-negative integer", nil)
			return
		}
		lastEventID = parsed
	}

	resp, err := h.service.StreamEvents(c.Request.Context(), streamingSessionID, lastEventID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			apierrors.AbortWithNotFound(c, "streaming session not found", nil)
			return
		}
		h.logger.LogError(c.Request.Context(), err, "stream-events failed",
			"streaming_session_id", streamingSessionID)
		apierrors.AbortWithInternal(c, "failed to read events", nil)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ConversationConfig handles GET /api/conversation-config/:chatbotId.
func (h *Handler) ConversationConfig(c *gin.Context) {
	chatbotID := c.Param("chatbotId")

	cfg, err := h.service.ConversationConfig(c.Request.Context(), chatbotID)
	if err != nil {
		if errors.Is(err, settings.ErrNotFound) {
			apierrors.AbortWithNotFound(c, "unknown chatbot_id", nil)
			return
		}
		h.logger.LogError(c.Request.Context(), err, "conversation-config failed",
			"chatbot_id", chatbotID)
		apierrors.AbortWithInternal(c, "failed to load configuration", nil)
		return
	}

	c.JSON(http.StatusOK, cfg)
}

// UploadImage handles POST /api/upload-image.
func (h *Handler) UploadImage(c *gin.Context) {
	var req UploadImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "invalid request body", map[string]interface{}{
			"details": err.Error(),
		})
		return
	}
	if req.ChatbotID == "" || req.ImageData == "" {
		apierrors.AbortWithBadRequest(c, "chatbot_id and image_data are required", nil)
		return
	}

	resp, err := h.service.UploadImage(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, settings.ErrNotFound):
			apierrors.AbortWithBadRequest(c, "unknown chatbot_id", nil)
		case errors.Is(err, session.ErrInvalidInput):
			apierrors.AbortWithBadRequest(c, err.Error(), nil)
		default:
			h.logger.LogError(c.Request.Context(), err, "upload-image failed",
				"chatbot_id", req.ChatbotID)
			apierrors.AbortWithInternal(c, "image conversion failed", nil)
		}
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Health handles GET /api/conversation-health.
func (h *Handler) Health(c *gin.Context) {
	resp, err := h.service.Health(c.Request.Context())
	if err != nil {
		h.logger.LogError(c.Request.Context(), err, "health check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}
