package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"carwash/internal/transport"
	"carwash/pkg/utils"
)

// ConnectionSource is implemented by transport.Connector
type ConnectionSource interface {
	Snapshot() transport.Connection
}

// PatternSource is implemented by subscription.Manager
type PatternSource interface {
	Patterns() []string
}

// BreakerSource is implemented by api.Client
type BreakerSource interface {
	BreakerStates() map[string]string
}

// Backer abandons the current payment, implemented by coordinator.Kiosk
type Backer interface {
	Back(ctx context.Context) error
}

// ConnectionView is the broker connection plus its active filters
type ConnectionView struct {
	transport.Connection
	Patterns []string `json:"patterns"`
}

// KioskHandler serves the kiosk's local API
type KioskHandler struct {
	board *Board
	conn  ConnectionSource
	subs  PatternSource
	kiosk Backer
}

// NewKioskHandler creates a kiosk handler
func NewKioskHandler(board *Board, conn ConnectionSource, subs PatternSource, kiosk Backer) *KioskHandler {
	return &KioskHandler{
		board: board,
		conn:  conn,
		subs:  subs,
		kiosk: kiosk,
	}
}

// GetBoard returns what the display should show
func (h *KioskHandler) GetBoard(c *gin.Context) {
	utils.SuccessResponse(c, h.board.View())
}

// GetConnection returns the broker connection state
func (h *KioskHandler) GetConnection(c *gin.Context) {
	view := ConnectionView{Connection: h.conn.Snapshot(), Patterns: h.subs.Patterns()}
	if view.Patterns == nil {
		view.Patterns = []string{}
	}
	utils.SuccessResponse(c, view)
}

// DeleteSession abandons the payment on screen
func (h *KioskHandler) DeleteSession(c *gin.Context) {
	if err := h.kiosk.Back(c.Request.Context()); err != nil {
		utils.HandleError(c, utils.WrapError(err, utils.CodeInternalError, "Failed to clear payment session"))
		return
	}
	utils.SuccessResponse(c, h.board.View())
}

// Health reports 503 once the connector gave up on the broker. An open
// REST breaker is reported but does not fail the check, polling recovers.
func Health(conn ConnectionSource, breakers BreakerSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := conn.Snapshot()
		body := gin.H{
			"status": "ok",
			"broker": snap.State,
		}
		if breakers != nil {
			body["breakers"] = breakers.BreakerStates()
		}
		if snap.State == transport.StateErrored {
			body["status"] = "unhealthy"
			body["error"] = snap.LastError
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		c.JSON(http.StatusOK, body)
	}
}
