package model

import (
	"fmt"
	"time"
)

// OrderSnapshot is the order as returned by the backend or pushed on order_<id>
type OrderSnapshot struct {
	ID         string      `json:"id" validate:"required,ident"`
	Code       string      `json:"code,omitempty"`
	Status     OrderStatus `json:"status" validate:"required"`
	GrandTotal float64     `json:"grandTotal" validate:"gte=0"`
	DeviceID   string      `json:"deviceId,omitempty"`
	ModeID     string      `json:"modeId,omitempty"`
	ModeName   string      `json:"modeName,omitempty"`
	CreatedAt  *time.Time  `json:"createdAt,omitempty"`
	UpdatedAt  *time.Time  `json:"updatedAt,omitempty"`
}

// Validate checks required fields and the status value
func (o *OrderSnapshot) Validate() error {
	if err := validateStruct(o); err != nil {
		return err
	}
	if !o.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, o.Status)
	}
	return nil
}

// IsTerminal check order reached a final state
func (o *OrderSnapshot) IsTerminal() bool {
	return o.Status.IsTerminal()
}

// IsActive check order is still in progress
func (o *OrderSnapshot) IsActive() bool {
	return o.Status.IsActive()
}
