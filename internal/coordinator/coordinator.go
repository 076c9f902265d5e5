// Package coordinator runs the kiosk and customer payment flows on top of
// the broker connection, the session store and the reconciliation loop.
package coordinator

import (
	"context"
	"time"

	"carwash/internal/model"
	"carwash/internal/reconcile"
	"carwash/internal/transport"
)

const (
	NavigateExpired reconcile.NavigateReason = "expired"
	NavigateBack    reconcile.NavigateReason = "back"
)

// Presenter renders what the customer sees. Calls may come from several
// goroutines.
type Presenter interface {
	ShowPayment(ps *model.PaymentSession)
	ShowStatus(snap *model.OrderSnapshot)
	ShowOutcome(outcome model.Outcome)
	PaymentExpired(orderID string)
	Navigate(orderID string, reason reconcile.NavigateReason)
}

// Connection is implemented by transport.Connector
type Connection interface {
	Connect(creds transport.Credentials) (transport.Connection, error)
}

// KioskBackend is the REST surface the kiosk uses
type KioskBackend interface {
	reconcile.Fetcher
	FetchKioskProfile(ctx context.Context, deviceID string) (*model.KioskProfile, error)
	Heartbeat(ctx context.Context, deviceID string) error
}

// CustomerBackend is the REST surface the customer flow uses
type CustomerBackend interface {
	reconcile.Fetcher
	FetchClientSession(ctx context.Context, token string) (*model.ClientProfile, error)
	CreatePayment(ctx context.Context, modeID, orderID string) (*model.PaymentSession, error)
}

// awaitingPayment reports whether a QR expiry should still abandon the order
func awaitingPayment(status model.OrderStatus) bool {
	switch status {
	case "", model.StatusDraft, model.StatusPending:
		return true
	}
	return false
}

func hooks(p Presenter) reconcile.Hooks {
	return reconcile.Hooks{
		OnStatus: func(snap *model.OrderSnapshot, _ reconcile.Source) {
			if snap != nil {
				p.ShowStatus(snap)
			}
		},
		OnTerminal: p.ShowOutcome,
		Navigate:   p.Navigate,
	}
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}
