package server

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/parleylabs/parley/backend/internal/chat"
	"github.com/parleylabs/parley/backend/internal/realtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const userIDContextKey = "parley_user_id"

var (
	errMissingMessageService = errors.New("message service dependency required")
	errMissingAuthenticator  = errors.New("authenticator dependency required")
	errMissingRegistry       = errors.New("connection registry dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// Authenticator validates bearer credentials into user identifiers.
type Authenticator interface {
	ValidateCredential(token string) (string, error)
}

// Dependencies wires the HTTP surface to the engine's services.
type Dependencies struct {
	MessageService *chat.Service
	Authenticator  Authenticator
	Authorizer     chat.Authorizer
	Registry       *realtime.Registry
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin handler exposing the message API, the
// WebSocket endpoint, and operational routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.MessageService == nil {
		return nil, errMissingMessageService
	}
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		messages:   deps.MessageService,
		tokens:     deps.Authenticator,
		authorizer: deps.Authorizer,
		registry:   deps.Registry,
		logger:     logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", handler.handleWebSocket)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/rooms/:room_id/messages", handler.handleCreateMessage)
	protected.GET("/rooms/:room_id/messages", handler.handleListMessages)
	protected.GET("/rooms/:room_id/presence", handler.handleRoomPresence)
	protected.GET("/messages/search", handler.handleSearch)

	return router, nil
}

type httpHandler struct {
	messages   *chat.Service
	tokens     Authenticator
	authorizer chat.Authorizer
	registry   *realtime.Registry
	logger     *zap.Logger
}

type createMessagePayload struct {
	Content         string `json:"content"`
	ClientMessageID string `json:"client_message_id"`
}

type messagePayload struct {
	ID              int64  `json:"id"`
	RoomID          int64  `json:"room_id"`
	ClientMessageID string `json:"client_message_id"`
	AuthorID        string `json:"author_id"`
	Content         string `json:"content"`
	CreatedAt       int64  `json:"created_at_s"`
}

func toMessagePayload(message chat.Message) messagePayload {
	return messagePayload{
		ID:              message.ID,
		RoomID:          message.RoomID,
		ClientMessageID: message.ClientMessageID,
		AuthorID:        message.AuthorID,
		Content:         message.Content,
		CreatedAt:       message.CreatedAt.Unix(),
	}
}

func (h *httpHandler) handleCreateMessage(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	roomID, err := strconv.ParseInt(c.Param("room_id"), 10, 64)
	if err != nil || roomID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_id"})
		return
	}
	if h.authorizer == nil || !h.authorizer.CanAccessRoom(userID, roomID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	var request createMessagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	message, err := h.messages.CreateMessage(c.Request.Context(), chat.CreateMessageRequest{
		RoomID:          roomID,
		AuthorID:        userID,
		Content:         request.Content,
		ClientMessageID: request.ClientMessageID,
	})
	if err != nil {
		h.renderCreateError(c, err)
		return
	}

	c.JSON(http.StatusCreated, toMessagePayload(message))
}

func (h *httpHandler) renderCreateError(c *gin.Context, err error) {
	var tooLong *chat.ContentTooLongError
	switch {
	case errors.Is(err, chat.ErrEmptyContent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_content"})
	case errors.As(err, &tooLong):
		c.JSON(http.StatusBadRequest, gin.H{"error": "content_too_long", "length": tooLong.Length})
	case errors.Is(err, chat.ErrInvalidClientMessageID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_client_message_id"})
	default:
		h.logger.Error("message creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
	}
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	roomID, err := strconv.ParseInt(c.Param("room_id"), 10, 64)
	if err != nil || roomID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_id"})
		return
	}
	if h.authorizer == nil || !h.authorizer.CanAccessRoom(userID, roomID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	sinceID, _ := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	messages, err := h.messages.MessagesSince(c.Request.Context(), roomID, sinceID, limit)
	if err != nil {
		h.logger.Error("message listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	payload := make([]messagePayload, 0, len(messages))
	for _, message := range messages {
		payload = append(payload, toMessagePayload(message))
	}
	c.JSON(http.StatusOK, gin.H{"messages": payload})
}

func (h *httpHandler) handleRoomPresence(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	roomID, err := strconv.ParseInt(c.Param("room_id"), 10, 64)
	if err != nil || roomID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_id"})
		return
	}
	if h.authorizer == nil || !h.authorizer.CanAccessRoom(userID, roomID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	occupants := h.registry.RoomOccupants(roomID)
	if occupants == nil {
		occupants = []string{}
	}
	sort.Strings(occupants)
	c.JSON(http.StatusOK, gin.H{"room_id": roomID, "occupants": occupants})
}

func (h *httpHandler) handleSearch(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	query := c.Query("q")
	roomID, _ := strconv.ParseInt(c.DefaultQuery("room_id", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	messages, err := h.messages.Search(c.Request.Context(), userID, query, roomID, limit)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrEmptySearchQuery):
			c.JSON(http.StatusBadRequest, gin.H{"error": "empty_query"})
		case errors.Is(err, chat.ErrRoomAccessDenied):
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		default:
			h.logger.Error("message search failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "search_failed"})
		}
		return
	}

	payload := make([]messagePayload, 0, len(messages))
	for _, message := range messages {
		payload = append(payload, toMessagePayload(message))
	}
	c.JSON(http.StatusOK, gin.H{"messages": payload})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateCredential(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}
