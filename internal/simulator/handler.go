package simulator

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	apperrors "github.com/schoolconsole/notify-engine/errors"
	"github.com/schoolconsole/notify-engine/internal/auth"
	"github.com/schoolconsole/notify-engine/internal/websocket"
	"github.com/schoolconsole/notify-engine/logger"
	"github.com/schoolconsole/notify-engine/middleware"
	"github.com/schoolconsole/notify-engine/types"
	"go.uber.org/zap"
)

// TokenRequest asks for a development token.
type TokenRequest struct {
	UserID int64 `json:"userId" binding:"required,min=1"`
}

// PushRequest publishes an arbitrary payload to a user.
type PushRequest struct {
	UserID int64           `json:"userId" binding:"required,min=1"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data" binding:"required"`
}

// CreateNotificationRequest stores and pushes a notification.
type CreateNotificationRequest struct {
	UserID       int64               `json:"userId" binding:"required,min=1"`
	SessionID    *int64              `json:"sessionId"`
	Notification *types.Notification `json:"notification" binding:"required"`
}

// AnnouncementRequest pushes an announcement to the listed users, or to every
// connected user when the list is empty.
type AnnouncementRequest struct {
	UserIDs []int64 `json:"userIds"`
	types.Announcement
}

// ActionRequest is the body a client sends when it executes a resource link.
type ActionRequest struct {
	Outcome        string `json:"outcome"`
	Action         string `json:"action"`
	NotificationID int64  `json:"notificationId"`
}

type successResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Updated *int   `json:"updated,omitempty"`
}

// Handler serves the simulator REST API.
type Handler struct {
	service  *Service
	hub      *websocket.Hub
	tokens   *auth.SecretManager
	tokenTTL time.Duration
	log      *zap.SugaredLogger
}

// NewHandler creates the REST handler.
func NewHandler(service *Service, hub *websocket.Hub, tokens *auth.SecretManager, tokenTTL time.Duration) *Handler {
	return &Handler{
		service:  service,
		hub:      hub,
		tokens:   tokens,
		tokenTTL: tokenTTL,
		log:      logger.GetLogger().Named("simulator_api"),
	}
}

func (h *Handler) currentUser(c *gin.Context) (int64, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		_ = c.Error(apperrors.AuthenticationFailed("Authentication required"))
	}
	return userID, ok
}

// ListNotifications handles GET /notifications?page&limit.
func (h *Handler) ListNotifications(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageLimit)))
	c.JSON(http.StatusOK, h.service.List(userID, page, limit))
}

// MarkRead handles POST /notifications/:id/read.
func (h *Handler) MarkRead(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		_ = c.Error(apperrors.ValidationFailed("invalid notification id", c.Param("id")))
		return
	}
	if err := h.service.MarkRead(c.Request.Context(), userID, id); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, successResponse{Success: true})
}

// MarkAllRead handles POST /notifications/mark-all-read.
func (h *Handler) MarkAllRead(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	updated, err := h.service.MarkAllRead(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, successResponse{Success: true, Updated: &updated})
}

// ExecuteAction handles the resource links carried by actionable
// notifications, e.g. POST /sessions/:sessionId/participation.
func (h *Handler) ExecuteAction(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.ValidationFailed("invalid_request_payload", err.Error()))
		return
	}
	resource := c.Request.URL.Path
	if err := h.service.ResolveAction(c.Request.Context(), userID, resource, req.Outcome, req.NotificationID); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, successResponse{Success: true})
}

// IssueToken handles POST /admin/token.
func (h *Handler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.ValidationFailed("invalid_request_payload", err.Error()))
		return
	}
	token, err := h.tokens.Issue(req.UserID, h.tokenTTL)
	if err != nil {
		_ = c.Error(err)
		return
	}
	h.log.Infow("Issued development token", "userID", req.UserID, "token", logger.MaskJWT(token))
	c.JSON(http.StatusOK, gin.H{
		"token":     token,
		"userId":    req.UserID,
		"expiresAt": time.Now().Add(h.tokenTTL).UTC(),
	})
}

// Push handles POST /admin/push.
func (h *Handler) Push(c *gin.Context) {
	var req PushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.ValidationFailed("invalid_request_payload", err.Error()))
		return
	}
	if err := h.service.PushRaw(c.Request.Context(), req.UserID, req.Event, req.Data); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, successResponse{Success: true})
}

// CreateNotification handles POST /admin/notifications.
func (h *Handler) CreateNotification(c *gin.Context) {
	var req CreateNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.ValidationFailed("invalid_request_payload", err.Error()))
		return
	}
	stored, err := h.service.Create(c.Request.Context(), req.UserID, req.Notification, req.SessionID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

// Announce handles POST /admin/announcements.
func (h *Handler) Announce(c *gin.Context) {
	var req AnnouncementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.ValidationFailed("invalid_request_payload", err.Error()))
		return
	}
	users := req.UserIDs
	if len(users) == 0 {
		users = h.hub.GetConnectedUsers()
	}
	if err := h.service.Announce(c.Request.Context(), users, req.Announcement); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "recipients": len(users)})
}

// ListConnections handles GET /admin/connections.
func (h *Handler) ListConnections(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"users": h.hub.GetConnectedUsers(),
		"count": h.hub.GetConnectionCount(),
	})
}

// DisconnectUser handles DELETE /admin/connections/:userId. The client sees a
// deliberate server disconnect.
func (h *Handler) DisconnectUser(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil || userID <= 0 {
		_ = c.Error(apperrors.ValidationFailed("invalid user id", c.Param("userId")))
		return
	}
	if !h.hub.Disconnect(userID) {
		_ = c.Error(apperrors.NotFound("Connection", userID))
		return
	}
	c.Status(http.StatusNoContent)
}
