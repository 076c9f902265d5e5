package session

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"carwash/internal/model"
	"carwash/internal/monitor"
	"carwash/internal/subscription"
	"carwash/internal/transport"
	"carwash/pkg/log"
	"carwash/pkg/topic"
)

// Subscriber is implemented by subscription.Manager
type Subscriber interface {
	Subscribe(ctx context.Context, patterns []string, handler subscription.Handler) (*subscription.Subscription, error)
}

// AssignmentListener applies payment sessions pushed on kiosk_payment_<deviceId>
type AssignmentListener struct {
	store    *Store
	subs     Subscriber
	deviceID string
	logger   *logrus.Entry
	metrics  *monitor.Metrics

	mu      sync.Mutex
	pending *model.PaymentSession
	sub     *subscription.Subscription
	cancel  context.CancelFunc
	done    chan struct{}

	wake chan struct{}
}

// NewAssignmentListener creates a listener for one kiosk device
func NewAssignmentListener(store *Store, subs Subscriber, deviceID string, metrics *monitor.Metrics) *AssignmentListener {
	return &AssignmentListener{
		store:    store,
		subs:     subs,
		deviceID: deviceID,
		logger:   log.Component("assignment").WithField("device_id", deviceID),
		metrics:  metrics,
		wake:     make(chan struct{}, 1),
	}
}

// Start subscribes to the kiosk payment topic. Assignments are applied in
// arrival order; when several arrive before the store catches up only the
// newest is applied.
func (l *AssignmentListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sub != nil {
		return nil
	}

	sub, err := l.subs.Subscribe(ctx, []string{topic.KioskPayment(l.deviceID)}, l.handle)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	l.sub = sub
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.apply(runCtx, l.done)

	l.logger.Info("listening for payment assignments")
	return nil
}

// Stop unsubscribes and waits for the apply goroutine
func (l *AssignmentListener) Stop() {
	l.mu.Lock()
	sub, cancel, done := l.sub, l.cancel, l.done
	l.sub, l.cancel, l.done = nil, nil, nil
	l.mu.Unlock()

	if sub == nil {
		return
	}
	sub.Unsubscribe()
	cancel()
	<-done
}

func (l *AssignmentListener) handle(msg transport.Message) {
	if dev, ok := topic.DeviceID(msg.Topic); !ok || dev != l.deviceID {
		l.metrics.IncDropped("mistargeted")
		l.logger.WithField("topic", msg.Topic).Debug("assignment for another device dropped")
		return
	}

	ps, err := model.DecodePaymentAssignment(msg.Payload)
	if err != nil {
		l.metrics.IncDropped("malformed")
		l.logger.WithError(err).WithField("topic", msg.Topic).Warn("malformed payment assignment dropped")
		return
	}

	l.mu.Lock()
	l.pending = ps
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *AssignmentListener) apply(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}

		l.mu.Lock()
		ps := l.pending
		l.pending = nil
		l.mu.Unlock()

		if ps == nil {
			continue
		}

		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := l.store.Replace(rctx, ps); err != nil {
			l.logger.WithError(err).WithField("order_id", ps.OrderID).Error("failed to apply payment assignment")
		}
		cancel()
	}
}
