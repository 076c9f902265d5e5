package handler

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"

	"carwash/internal/model"
	"carwash/internal/transport"
	"carwash/pkg/topic"
	"carwash/pkg/utils"
)

// Notifier is implemented by notify.Publisher
type Notifier interface {
	PublishOrder(ctx context.Context, snap *model.OrderSnapshot) error
	AssignPayment(ctx context.Context, deviceID string, ps *model.PaymentSession) error
}

// OrderNotification is an order update pushed by the backend
type OrderNotification struct {
	ID         string     `json:"id" binding:"required,ident"`
	Code       string     `json:"code"`
	Status     string     `json:"status" binding:"required"`
	GrandTotal float64    `json:"grandTotal" binding:"gte=0"`
	DeviceID   string     `json:"deviceId" binding:"omitempty,ident"`
	ModeID     string     `json:"modeId"`
	ModeName   string     `json:"modeName"`
	UpdatedAt  *time.Time `json:"updatedAt"`
}

// PaymentAssignmentRequest hands a payment session to a kiosk
type PaymentAssignmentRequest struct {
	OrderID   string    `json:"orderId" binding:"required,ident"`
	QRCode    string    `json:"qrCode" binding:"required_without=Endpoint"`
	Endpoint  string    `json:"endpoint" binding:"required_without=QRCode"`
	Amount    float64   `json:"amount" binding:"gte=0"`
	ExpiredAt time.Time `json:"expiredAt" binding:"required"`
}

// PublishResult tells the caller where the message went
type PublishResult struct {
	Topic string `json:"topic"`
}

// NotifyHandler lets the backend publish through this service's broker
// connection.
type NotifyHandler struct {
	notifier Notifier
	now      func() time.Time
}

// NewNotifyHandler creates a notify handler
func NewNotifyHandler(notifier Notifier) *NotifyHandler {
	return &NotifyHandler{notifier: notifier, now: time.Now}
}

// PublishOrder publishes an order update on order_<id>
func (h *NotifyHandler) PublishOrder(c *gin.Context) {
	var req OrderNotification
	if err := utils.BindJSON(c, &req); err != nil {
		utils.HandleError(c, err)
		return
	}

	status, err := model.ParseOrderStatus(req.Status)
	if err != nil {
		utils.HandleError(c, publishError(err))
		return
	}

	snap := &model.OrderSnapshot{
		ID:         req.ID,
		Code:       req.Code,
		Status:     status,
		GrandTotal: req.GrandTotal,
		DeviceID:   req.DeviceID,
		ModeID:     req.ModeID,
		ModeName:   req.ModeName,
		UpdatedAt:  req.UpdatedAt,
	}
	if err := h.notifier.PublishOrder(c.Request.Context(), snap); err != nil {
		utils.HandleError(c, publishError(err))
		return
	}

	utils.SuccessResponse(c, PublishResult{Topic: topic.Order(req.ID)})
}

// AssignPayment publishes a payment session on kiosk_payment_<device_id>
func (h *NotifyHandler) AssignPayment(c *gin.Context) {
	deviceID := c.Param("device_id")
	if !utils.ValidIdent(deviceID) {
		utils.Error(c, utils.CodeInvalidParam, "invalid device_id")
		return
	}

	var req PaymentAssignmentRequest
	if err := utils.BindJSON(c, &req); err != nil {
		utils.HandleError(c, err)
		return
	}
	if !req.ExpiredAt.After(h.now()) {
		utils.Error(c, utils.CodeInvalidParam, "expiredAt must be in the future")
		return
	}

	ps := &model.PaymentSession{
		OrderID:   req.OrderID,
		QRCode:    req.QRCode,
		Endpoint:  req.Endpoint,
		Amount:    req.Amount,
		ExpiredAt: req.ExpiredAt,
	}
	if err := h.notifier.AssignPayment(c.Request.Context(), deviceID, ps); err != nil {
		utils.HandleError(c, publishError(err))
		return
	}

	utils.SuccessResponse(c, PublishResult{Topic: topic.KioskPayment(deviceID)})
}

func publishError(err error) error {
	switch {
	case errors.Is(err, model.ErrMalformedPayload), errors.Is(err, model.ErrInvalidStatus):
		return utils.WrapError(err, utils.CodeInvalidParam, err.Error())
	case errors.Is(err, transport.ErrNotOpen), errors.Is(err, transport.ErrClosed):
		return utils.WrapError(err, utils.CodeNotConnected, "broker not connected")
	default:
		return utils.WrapError(err, utils.CodePublishFailed, "failed to publish")
	}
}
