package handler

import (
	"sync"
	"time"

	"carwash/internal/coordinator"
	"carwash/internal/model"
	"carwash/internal/reconcile"
)

// Screen is what the kiosk display currently shows
type Screen string

const (
	ScreenIdle    Screen = "idle"
	ScreenPayment Screen = "payment"
	ScreenWashing Screen = "washing"
	ScreenOutcome Screen = "outcome"
	ScreenExpired Screen = "expired"
)

// Navigation records the last time the flow left a screen on its own
type Navigation struct {
	OrderID string                   `json:"orderId"`
	Reason  reconcile.NavigateReason `json:"reason"`
	At      time.Time                `json:"at"`
}

// BoardView is the state the kiosk UI renders
type BoardView struct {
	DeviceID       string                `json:"deviceId"`
	Screen         Screen                `json:"screen"`
	Payment        *model.PaymentSession `json:"payment,omitempty"`
	Remaining      int                   `json:"remaining"`
	Order          *model.OrderSnapshot  `json:"order,omitempty"`
	Outcome        *model.Outcome        `json:"outcome,omitempty"`
	LastNavigation *Navigation           `json:"lastNavigation,omitempty"`
	UpdatedAt      time.Time             `json:"updatedAt"`
}

// Board is the kiosk presenter. It keeps the latest view for the local UI,
// which polls it over HTTP.
type Board struct {
	mu   sync.RWMutex
	view BoardView
	now  func() time.Time
}

// NewBoard creates an idle board for deviceID
func NewBoard(deviceID string) *Board {
	b := &Board{now: time.Now}
	b.view = BoardView{DeviceID: deviceID, Screen: ScreenIdle, UpdatedAt: b.now()}
	return b
}

// View returns a copy of the current view with the remaining seconds
// computed against the current time.
func (b *Board) View() BoardView {
	b.mu.RLock()
	defer b.mu.RUnlock()

	v := b.view
	if v.Payment != nil && v.Screen == ScreenPayment {
		v.Remaining = v.Payment.RemainingSeconds(b.now())
	}
	return v
}

func (b *Board) ShowPayment(ps *model.PaymentSession) {
	if ps == nil {
		return
	}
	cp := *ps

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.view.Order != nil && b.view.Order.ID != ps.OrderID {
		b.view.Order = nil
	}
	b.view.Payment = &cp
	b.view.Outcome = nil
	b.view.Screen = ScreenPayment
	b.touch()
}

func (b *Board) ShowStatus(snap *model.OrderSnapshot) {
	if snap == nil {
		return
	}
	cp := *snap

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.current(snap.ID) {
		return
	}
	b.view.Order = &cp
	if snap.Status == model.StatusProcessing {
		b.view.Screen = ScreenWashing
	}
	b.touch()
}

func (b *Board) ShowOutcome(outcome model.Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.current(outcome.OrderID) {
		return
	}
	b.view.Outcome = &outcome
	b.view.Payment = nil
	b.view.Screen = ScreenOutcome
	b.touch()
}

func (b *Board) PaymentExpired(orderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.current(orderID) {
		return
	}
	b.view.Payment = nil
	b.view.Screen = ScreenExpired
	b.touch()
}

func (b *Board) Navigate(orderID string, reason reconcile.NavigateReason) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.view.LastNavigation = &Navigation{OrderID: orderID, Reason: reason, At: b.now()}
	// outcome and expiry screens stay up until the next payment arrives
	if reason != reconcile.NavigateTerminal && reason != coordinator.NavigateExpired && b.current(orderID) {
		b.view.Payment = nil
		b.view.Order = nil
		b.view.Outcome = nil
		b.view.Screen = ScreenIdle
	}
	b.touch()
}

// current reports whether orderID is the order on screen. Everything is
// current while nothing is.
func (b *Board) current(orderID string) bool {
	switch {
	case b.view.Payment != nil:
		return b.view.Payment.OrderID == orderID
	case b.view.Order != nil:
		return b.view.Order.ID == orderID
	default:
		return true
	}
}

func (b *Board) touch() {
	b.view.UpdatedAt = b.now()
}
