package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"carwash/internal/expiry"
	"carwash/internal/model"
	"carwash/internal/monitor"
	"carwash/internal/reconcile"
	"carwash/internal/session"
	"carwash/internal/transport"
	"carwash/pkg/log"
)

var ErrNoDeviceID = errors.New("kiosk device id is required")

// KioskOptions configures a Kiosk
type KioskOptions struct {
	DeviceID          string
	Credentials       transport.Credentials
	HeartbeatInterval time.Duration
	ExpiryTick        time.Duration
	Reconcile         reconcile.Options
	Metrics           *monitor.Metrics
}

// Kiosk follows the payment sessions assigned to one kiosk terminal. Each
// new session replaces the flow of the previous one.
type Kiosk struct {
	opts      KioskOptions
	conn      Connection
	subs      reconcile.Subscriber
	store     *session.Store
	backend   KioskBackend
	presenter Presenter
	logger    *logrus.Entry

	wake chan struct{}
}

type kioskFlow struct {
	session   *model.PaymentSession
	loop      *reconcile.Loop
	countdown *expiry.Countdown
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewKiosk creates the coordinator for opts.DeviceID
func NewKiosk(conn Connection, subs reconcile.Subscriber, store *session.Store, backend KioskBackend, presenter Presenter, opts KioskOptions) (*Kiosk, error) {
	if opts.DeviceID == "" {
		return nil, ErrNoDeviceID
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.Reconcile.Metrics == nil {
		opts.Reconcile.Metrics = opts.Metrics
	}

	return &Kiosk{
		opts:      opts,
		conn:      conn,
		subs:      subs,
		store:     store,
		backend:   backend,
		presenter: presenter,
		logger:    log.Component("kiosk").WithField("device_id", opts.DeviceID),
		wake:      make(chan struct{}, 1),
	}, nil
}

// Run connects, restores any in-flight payment and follows assignments
// until ctx is cancelled.
func (k *Kiosk) Run(ctx context.Context) error {
	if _, err := k.conn.Connect(k.opts.Credentials); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}

	k.restore(ctx)

	listener := session.NewAssignmentListener(k.store, k.subs, k.opts.DeviceID, k.opts.Metrics)
	if err := listener.Start(ctx); err != nil {
		return fmt.Errorf("listen for payment assignments: %w", err)
	}
	defer listener.Stop()

	cancelWatch := k.store.Watch(func(*model.PaymentSession) { k.signal() })
	defer cancelWatch()
	k.signal()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return k.heartbeat(gctx) })
	g.Go(func() error { return k.supervise(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Back abandons the current payment on the customer's request
func (k *Kiosk) Back(ctx context.Context) error {
	cur := k.store.Current()
	if cur == nil {
		return nil
	}
	if _, err := k.store.ClearIf(ctx, cur.OrderID); err != nil {
		return err
	}
	k.logger.WithField("order_id", cur.OrderID).Info("payment abandoned by customer")
	k.presenter.Navigate(cur.OrderID, NavigateBack)
	return nil
}

// restore prefers the backend's view of the kiosk and falls back to the
// encrypted cache only when the backend cannot be reached.
func (k *Kiosk) restore(ctx context.Context) {
	profile, err := k.backend.FetchKioskProfile(ctx, k.opts.DeviceID)
	if err == nil {
		if ps := profile.InFlight(time.Now()); ps != nil {
			if err := k.store.Replace(ctx, ps); err != nil {
				k.logger.WithError(err).Warn("failed to cache in-flight payment session")
			}
			k.logger.WithField("order_id", ps.OrderID).Info("adopted in-flight payment from kiosk profile")
			return
		}
		if err := k.store.Clear(ctx); err != nil {
			k.logger.WithError(err).Warn("failed to clear stale payment session")
		}
		return
	}

	k.logger.WithError(err).Warn("kiosk profile unavailable, restoring cached session")
	ps, err := k.store.Restore(ctx, "")
	if err != nil {
		k.logger.WithError(err).Warn("failed to restore cached payment session")
		return
	}
	if ps != nil {
		k.logger.WithField("order_id", ps.OrderID).Info("restored cached payment session")
	}
}

func (k *Kiosk) signal() {
	select {
	case k.wake <- struct{}{}:
	default:
	}
}

// supervise owns the current flow. It is the only goroutine that starts or
// stops flows.
func (k *Kiosk) supervise(ctx context.Context) error {
	var cur *kioskFlow
	stop := func() {
		if cur != nil {
			cur.cancel()
			<-cur.done
			cur = nil
		}
	}
	defer stop()

	for {
		var finished <-chan struct{}
		if cur != nil {
			finished = cur.done
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-finished:
			cur.cancel()
			cur = nil

		case <-k.wake:
			ps := k.store.Current()
			switch {
			case ps == nil:
				stop()
			case cur != nil && cur.session.OrderID == ps.OrderID:
				// same order with a fresh QR
				cur.session = ps
				cur.countdown.Reset(ps.ExpiredAt)
				k.presenter.ShowPayment(ps)
			default:
				stop()
				cur = k.startFlow(ctx, ps)
			}
		}
	}
}

func (k *Kiosk) startFlow(ctx context.Context, ps *model.PaymentSession) *kioskFlow {
	fctx, cancel := context.WithCancel(ctx)
	f := &kioskFlow{
		session: ps,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	f.loop = reconcile.New(ps.OrderID, k.backend, k.subs, k.store, hooks(k.presenter), k.opts.Reconcile)
	f.countdown = expiry.New(expiry.Options{
		Tick:    k.opts.ExpiryTick,
		Metrics: k.opts.Metrics,
		OnExpire: func(expiredAt time.Time) {
			k.expired(fctx, f.loop, ps.OrderID, expiredAt)
		},
	})

	logger := k.logger.WithField("order_id", ps.OrderID)
	logger.Info("payment flow started")
	k.presenter.ShowPayment(ps)
	f.countdown.Reset(ps.ExpiredAt)

	go func() {
		defer close(f.done)
		defer f.countdown.Stop()

		if err := f.loop.Run(fctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("payment flow failed")
			return
		}
		logger.WithField("status", f.loop.Status()).Info("payment flow ended")
	}()
	return f
}

// expired abandons an unpaid order once its QR runs out
func (k *Kiosk) expired(ctx context.Context, loop *reconcile.Loop, orderID string, expiredAt time.Time) {
	if ctx.Err() != nil || loop.Finished() {
		return
	}
	cur := k.store.Current()
	if !cur.BelongsTo(orderID) || !cur.ExpiredAt.Equal(expiredAt) {
		return
	}

	logger := k.logger.WithFields(logrus.Fields{"order_id": orderID, "status": loop.Status()})
	if !awaitingPayment(loop.Status()) {
		logger.Info("qr expired after payment, keeping order")
		return
	}

	logger.Info("qr expired, abandoning order")
	k.presenter.PaymentExpired(orderID)

	cctx, cancel := detached(ctx)
	defer cancel()
	if _, err := k.store.ClearIf(cctx, orderID); err != nil {
		logger.WithError(err).Warn("failed to clear expired payment session")
	}
	k.presenter.Navigate(orderID, NavigateExpired)
}

func (k *Kiosk) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(k.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if err := k.backend.Heartbeat(ctx, k.opts.DeviceID); err != nil && ctx.Err() == nil {
			k.logger.WithError(err).Warn("heartbeat failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
