package notify

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/claims-adjudication-server/internal/domain"
)

const resetPrefix = "reset_"

// Handler serves the notification websocket and the manual trigger.
type Handler struct {
	hub      *Hub
	cfg      domain.NotifyConfig
	upgrader websocket.Upgrader
	logger   *logrus.Logger
}

// NewHandler creates the HTTP handlers for hub
func NewHandler(hub *Hub, cfg domain.NotifyConfig, logger *logrus.Logger) *Handler {
	return &Handler{
		hub: hub,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// clients are mobile and web apps on other origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Register mounts the notification routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/ws/notifications/:user_id", h.Notifications)
	r.POST("/ws/trigger", h.Trigger)
}

// Notifications upgrades to a websocket and streams counter snapshots.
func (h *Handler) Notifications(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	if userID == "" {
		c.JSON(http.StatusBadRequest, domain.NewAPIError(domain.ErrInvalidInput, "user_id is required", "", c.GetString("correlation_id")))
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the failure response
		h.logger.WithError(err).WithField("user_id", userID).Warn("Websocket upgrade failed")
		return
	}

	conn := NewWSConn(ws, h.cfg.SendBuffer, h.cfg.PingInterval, h.cfg.WriteTimeout, h.logger)
	h.hub.Connect(userID, conn)
	defer func() {
		h.hub.Disconnect(userID, conn)
		conn.Close()
	}()

	conn.ReadLoop(func(text string) {
		h.handleCommand(userID, text)
	})
}

func (h *Handler) handleCommand(userID, text string) {
	log := h.logger.WithFields(logrus.Fields{"user_id": userID, "command": text})

	if !strings.HasPrefix(text, resetPrefix) {
		log.Debug("Ignoring unknown notification command")
		return
	}
	status, err := domain.ParseClaimStatus(strings.TrimPrefix(text, resetPrefix))
	if err != nil {
		log.Debug("Ignoring reset for unknown status")
		return
	}
	if err := h.hub.Reset(userID, status); err != nil {
		log.WithError(err).Warn("Reset failed")
	}
}

// TriggerRequest is the body of a manual notification.
type TriggerRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Status string `json:"status" binding:"required"`
}

// Trigger notifies a user directly, bypassing the processing loop.
func (h *Handler) Trigger(c *gin.Context) {
	requestID := c.GetString("correlation_id")

	var req TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, domain.NewAPIError(domain.ErrInvalidInput, "Invalid trigger request", err.Error(), requestID))
		return
	}
	status, err := domain.ParseClaimStatus(req.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, domain.NewAPIError(domain.ErrValidation, "Unknown status", err.Error(), requestID))
		return
	}

	if err := h.hub.Notify(c.Request.Context(), req.UserID, status); err != nil {
		c.JSON(http.StatusInternalServerError, domain.NewAPIError(domain.ErrInternalServer, "Notification failed", err.Error(), requestID))
		return
	}

	counters, _ := h.hub.Snapshot(req.UserID)
	c.JSON(http.StatusOK, gin.H{
		"message":  "Notification sent to user " + req.UserID + " with status " + string(status),
		"counters": counters,
	})
}
