package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"carwash/internal/model"
)

// FetchOrder returns the backend-committed order snapshot
func (c *Client) FetchOrder(ctx context.Context, orderID string) (*model.OrderSnapshot, error) {
	var snap model.OrderSnapshot
	err := c.do(ctx, request{
		endpoint: "fetch_order",
		method:   http.MethodGet,
		path:     "/orders/" + url.PathEscape(orderID),
	}, &snap)
	if err != nil {
		return nil, err
	}
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("%w: order: %v", ErrMalformedResponse, err)
	}
	return &snap, nil
}

// FetchKioskProfile returns the kiosk profile with any in-flight payment
func (c *Client) FetchKioskProfile(ctx context.Context, deviceID string) (*model.KioskProfile, error) {
	var profile model.KioskProfile
	err := c.do(ctx, request{
		endpoint: "fetch_kiosk_profile",
		method:   http.MethodGet,
		path:     "/kiosks/" + url.PathEscape(deviceID) + "/profile",
	}, &profile)
	if err != nil {
		return nil, err
	}

	// a broken nested record is dropped, not fatal
	if profile.PaymentSession != nil {
		if err := profile.PaymentSession.Validate(); err != nil {
			c.logger.WithField("device_id", deviceID).WithError(err).Warn("ignoring invalid payment session in kiosk profile")
			profile.PaymentSession = nil
		}
	}
	if profile.Order != nil {
		if err := profile.Order.Validate(); err != nil {
			c.logger.WithField("device_id", deviceID).WithError(err).Warn("ignoring invalid order in kiosk profile")
			profile.Order = nil
		}
	}
	if err := model.Validate(&profile); err != nil {
		return nil, fmt.Errorf("%w: kiosk profile: %v", ErrMalformedResponse, err)
	}
	return &profile, nil
}

// FetchClientSession resolves an opaque customer session token
func (c *Client) FetchClientSession(ctx context.Context, token string) (*model.ClientProfile, error) {
	var profile model.ClientProfile
	err := c.do(ctx, request{
		endpoint: "fetch_client_session",
		method:   http.MethodGet,
		path:     "/client/session",
		header:   http.Header{"Authorization": []string{"Bearer " + token}},
	}, &profile)
	if err != nil {
		return nil, err
	}
	if err := model.Validate(&profile); err != nil {
		return nil, fmt.Errorf("%w: client session: %v", ErrMalformedResponse, err)
	}
	return &profile, nil
}

type createPaymentRequest struct {
	ModeID string `json:"modeId"`
}

// CreatePayment starts a payment for the order with the chosen wash mode
func (c *Client) CreatePayment(ctx context.Context, modeID, orderID string) (*model.PaymentSession, error) {
	var ps model.PaymentSession
	err := c.do(ctx, request{
		endpoint: "create_payment",
		method:   http.MethodPost,
		path:     "/orders/" + url.PathEscape(orderID) + "/payments",
		body:     createPaymentRequest{ModeID: modeID},
	}, &ps)
	if err != nil {
		return nil, err
	}
	if ps.OrderID == "" {
		ps.OrderID = orderID
	}
	if err := ps.Validate(); err != nil {
		return nil, fmt.Errorf("%w: payment session: %v", ErrMalformedResponse, err)
	}
	if ps.OrderID != orderID {
		return nil, fmt.Errorf("%w: payment issued for order %q, want %q", ErrMalformedResponse, ps.OrderID, orderID)
	}
	return &ps, nil
}

type heartbeatRequest struct {
	SentAt time.Time `json:"sentAt"`
}

// Heartbeat tells the backend the kiosk is alive
func (c *Client) Heartbeat(ctx context.Context, deviceID string) error {
	return c.do(ctx, request{
		endpoint: "heartbeat",
		method:   http.MethodPost,
		path:     "/kiosks/" + url.PathEscape(deviceID) + "/heartbeat",
		body:     heartbeatRequest{SentAt: time.Now().UTC()},
	}, nil)
}
