package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"carwash/internal/api"
	"carwash/internal/expiry"
	"carwash/internal/model"
	"carwash/internal/monitor"
	"carwash/internal/reconcile"
	"carwash/internal/session"
	"carwash/pkg/log"
)

var (
	ErrSessionExpired = errors.New("customer session expired")
	ErrNoPayment      = errors.New("no payment session for order")
	ErrNoMode         = errors.New("wash mode is required")
)

// CustomerOptions configures a Customer
type CustomerOptions struct {
	OrderID          string
	Token            string
	ExpiryTick       time.Duration
	MaxRegenerations int
	Reconcile        reconcile.Options
	Metrics          *monitor.Metrics
}

// Customer drives one order on the customer's own device
type Customer struct {
	opts      CustomerOptions
	subs      reconcile.Subscriber
	store     *session.Store
	backend   CustomerBackend
	presenter Presenter
	logger    *logrus.Entry

	mu          sync.Mutex
	profile     *model.ClientProfile
	modeID      string
	regenerated int
}

// NewCustomer creates the coordinator for opts.OrderID
func NewCustomer(subs reconcile.Subscriber, store *session.Store, backend CustomerBackend, presenter Presenter, opts CustomerOptions) *Customer {
	if opts.MaxRegenerations <= 0 {
		opts.MaxRegenerations = 3
	}
	if opts.Reconcile.Metrics == nil {
		opts.Reconcile.Metrics = opts.Metrics
	}
	return &Customer{
		opts:      opts,
		subs:      subs,
		store:     store,
		backend:   backend,
		presenter: presenter,
		logger:    log.Component("customer").WithField("order_id", opts.OrderID),
	}
}

// Open validates the customer session and restores a cached payment for
// the order. An expired session navigates away and returns ErrSessionExpired.
func (c *Customer) Open(ctx context.Context) (*model.PaymentSession, error) {
	profile, err := c.backend.FetchClientSession(ctx, c.opts.Token)
	switch {
	case errors.Is(err, api.ErrUnauthorized), err == nil && profile.IsExpired(time.Now()):
		c.logger.Info("customer session expired")
		c.presenter.Navigate(c.opts.OrderID, reconcile.NavigateInvalidSession)
		return nil, ErrSessionExpired
	case err != nil:
		return nil, fmt.Errorf("fetch client session: %w", err)
	}

	c.mu.Lock()
	c.profile = profile
	c.mu.Unlock()

	ps, err := c.store.Restore(ctx, c.opts.OrderID)
	if err != nil {
		return nil, err
	}
	if ps != nil {
		c.presenter.ShowPayment(ps)
	}
	return ps, nil
}

// Profile returns the customer resolved by Open
func (c *Customer) Profile() *model.ClientProfile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

// Pay creates a payment for the order and makes it the current session
func (c *Customer) Pay(ctx context.Context, modeID string) (*model.PaymentSession, error) {
	if modeID == "" {
		return nil, ErrNoMode
	}

	ps, err := c.backend.CreatePayment(ctx, modeID, c.opts.OrderID)
	if err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	if err := c.store.Replace(ctx, ps); err != nil {
		c.logger.WithError(err).Warn("payment session not cached")
	}

	c.mu.Lock()
	c.modeID = modeID
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"mode_id":    modeID,
		"expired_at": ps.ExpiredAt,
	}).Info("payment created")
	c.presenter.ShowPayment(ps)
	return ps, nil
}

// Run follows the order until it settles or ctx is cancelled. It needs a
// payment session from Open or Pay.
func (c *Customer) Run(ctx context.Context) error {
	ps := c.store.Current()
	if !ps.BelongsTo(c.opts.OrderID) {
		c.presenter.Navigate(c.opts.OrderID, reconcile.NavigateInvalidSession)
		return ErrNoPayment
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loop := reconcile.New(c.opts.OrderID, c.backend, c.subs, c.store, hooks(c.presenter), c.opts.Reconcile)

	countdown := expiry.New(expiry.Options{
		Tick:    c.opts.ExpiryTick,
		Metrics: c.opts.Metrics,
		OnExpire: func(time.Time) {
			c.expired(ctx, cancel, loop)
		},
	})
	countdown.Reset(ps.ExpiredAt)
	defer countdown.Stop()

	// a new payment for the order restarts the countdown
	cancelWatch := c.store.Watch(func(next *model.PaymentSession) {
		if next.BelongsTo(c.opts.OrderID) {
			countdown.Reset(next.ExpiredAt)
		}
	})
	defer cancelWatch()

	err := loop.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// expired regenerates the QR while the order is still unpaid. When no
// regeneration is possible the order is abandoned and the flow stops.
func (c *Customer) expired(ctx context.Context, stop context.CancelFunc, loop *reconcile.Loop) {
	if ctx.Err() != nil || loop.Finished() || !awaitingPayment(loop.Status()) {
		return
	}

	c.mu.Lock()
	modeID := c.modeID
	allowed := modeID != "" && c.regenerated < c.opts.MaxRegenerations
	if allowed {
		c.regenerated++
	}
	c.mu.Unlock()

	if allowed {
		_, err := c.Pay(ctx, modeID)
		if err == nil {
			return
		}
		c.logger.WithError(err).Warn("failed to regenerate payment")
	}

	c.logger.WithField("status", loop.Status()).Info("qr expired, abandoning order")
	c.presenter.PaymentExpired(c.opts.OrderID)

	cctx, cancel := detached(ctx)
	defer cancel()
	if _, err := c.store.ClearIf(cctx, c.opts.OrderID); err != nil {
		c.logger.WithError(err).Warn("failed to clear expired payment session")
	}
	c.presenter.Navigate(c.opts.OrderID, NavigateExpired)
	stop()
}
