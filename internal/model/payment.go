package model

import (
	"math"
	"time"
)

// PaymentSession is the QR code or payment endpoint the customer pays through
type PaymentSession struct {
	OrderID   string    `json:"orderId" validate:"required,ident"`
	QRCode    string    `json:"qrCode,omitempty" validate:"required_without=Endpoint"`
	Endpoint  string    `json:"endpoint,omitempty" validate:"required_without=QRCode"`
	Amount    float64   `json:"amount,omitempty" validate:"gte=0"`
	ExpiredAt time.Time `json:"expiredAt" validate:"required"`
}

// Validate checks the session is usable
func (p *PaymentSession) Validate() error {
	return validateStruct(p)
}

// Payload returns what the customer scans or opens
func (p *PaymentSession) Payload() string {
	if p.QRCode != "" {
		return p.QRCode
	}
	return p.Endpoint
}

// IsExpired check session is past its expiry
func (p *PaymentSession) IsExpired(now time.Time) bool {
	return !now.Before(p.ExpiredAt)
}

// RemainingSeconds returns whole seconds left, rounded up, never negative
func (p *PaymentSession) RemainingSeconds(now time.Time) int {
	return RemainingSeconds(p.ExpiredAt, now)
}

// BelongsTo check session was issued for the order
func (p *PaymentSession) BelongsTo(orderID string) bool {
	return p != nil && p.OrderID == orderID
}

// RemainingSeconds computes max(0, ceil(expiredAt - now)) in seconds
func RemainingSeconds(expiredAt, now time.Time) int {
	d := expiredAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
