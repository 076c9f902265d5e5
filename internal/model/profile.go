package model

import (
	"time"
)

// KioskProfile is the kiosk terminal as known by the backend
type KioskProfile struct {
	DeviceID       string          `json:"deviceId" validate:"required"`
	Name           string          `json:"name,omitempty"`
	StationID      string          `json:"stationId,omitempty"`
	Status         string          `json:"status,omitempty"`
	PaymentSession *PaymentSession `json:"paymentSession,omitempty"`
	Order          *OrderSnapshot  `json:"order,omitempty"`
}

// InFlight returns the payment session the kiosk was showing, if any
func (k *KioskProfile) InFlight(now time.Time) *PaymentSession {
	if k.PaymentSession == nil || k.PaymentSession.IsExpired(now) {
		return nil
	}
	if k.Order != nil && k.Order.ID == k.PaymentSession.OrderID && k.Order.IsTerminal() {
		return nil
	}
	return k.PaymentSession
}

// ClientProfile is the customer session resolved from an opaque token
type ClientProfile struct {
	CustomerID string    `json:"customerId" validate:"required"`
	Phone      string    `json:"phone,omitempty"`
	Name       string    `json:"name,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// IsExpired check the customer session is no longer valid
func (c *ClientProfile) IsExpired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}
