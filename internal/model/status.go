package model

import (
	"fmt"
	"strings"
)

// OrderStatus is the backend order state
type OrderStatus string

// OrderStatus const
const (
	StatusDraft        OrderStatus = "draft"
	StatusPending      OrderStatus = "pending"
	StatusProcessing   OrderStatus = "processing"
	StatusCompleted    OrderStatus = "completed"
	StatusCanceled     OrderStatus = "canceled"
	StatusFailed       OrderStatus = "failed"
	StatusRefunded     OrderStatus = "refunded"
	StatusAbnormalStop OrderStatus = "abnormal_stop"
	StatusSelfStop     OrderStatus = "self_stop"
	StatusRejected     OrderStatus = "rejected"
	StatusUnknown      OrderStatus = "unknown"
)

var allStatuses = []OrderStatus{
	StatusDraft, StatusPending, StatusProcessing,
	StatusCompleted, StatusCanceled, StatusFailed, StatusRefunded,
	StatusAbnormalStop, StatusSelfStop, StatusRejected, StatusUnknown,
}

// Statuses returns every known order status
func Statuses() []OrderStatus {
	out := make([]OrderStatus, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// Valid reports whether s is a known status
func (s OrderStatus) Valid() bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsActive check the order is still being worked on
func (s OrderStatus) IsActive() bool {
	switch s {
	case StatusDraft, StatusPending, StatusProcessing:
		return true
	}
	return false
}

// IsTerminal check the order reached a final state
func (s OrderStatus) IsTerminal() bool {
	return s.Valid() && !s.IsActive()
}

func (s OrderStatus) String() string {
	return string(s)
}

// ParseOrderStatus parses a status as sent by the backend
func ParseOrderStatus(raw string) (OrderStatus, error) {
	s := OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}
