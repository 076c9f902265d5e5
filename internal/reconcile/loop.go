package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"carwash/internal/model"
	"carwash/internal/monitor"
	"carwash/internal/subscription"
	"carwash/internal/transport"
	"carwash/pkg/log"
	"carwash/pkg/topic"
)

var ErrAlreadyStarted = errors.New("reconcile loop already started")

// Source tells where a status came from
type Source string

const (
	SourceLoad Source = "load"
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

// NavigateReason tells the presenter why the order view is being left
type NavigateReason string

const (
	NavigateTerminal       NavigateReason = "terminal"
	NavigateInvalidSession NavigateReason = "invalid_session"
)

// Fetcher pulls the authoritative order snapshot
type Fetcher interface {
	FetchOrder(ctx context.Context, orderID string) (*model.OrderSnapshot, error)
}

// Subscriber is implemented by subscription.Manager
type Subscriber interface {
	Subscribe(ctx context.Context, patterns []string, handler subscription.Handler) (*subscription.Subscription, error)
}

// Sessions is the part of session.Store the loop needs
type Sessions interface {
	Current() *model.PaymentSession
	ClearIf(ctx context.Context, orderID string) (bool, error)
}

// Hooks are called from the loop goroutine. Any of them may be nil.
type Hooks struct {
	OnStatus   func(snapshot *model.OrderSnapshot, source Source)
	OnTerminal func(outcome model.Outcome)
	Navigate   func(orderID string, reason NavigateReason)
}

// Options configures a Loop
type Options struct {
	PollInterval     time.Duration
	PushPullInterval time.Duration
	PushBuffer       int
	Metrics          *monitor.Metrics
}

// Loop reconciles one order until it reaches a terminal status or its
// payment session disappears.
type Loop struct {
	orderID  string
	fetcher  Fetcher
	subs     Subscriber
	sessions Sessions
	hooks    Hooks
	opts     Options
	logger   *logrus.Entry
	metrics  *monitor.Metrics

	started atomic.Bool
	pushes  chan *model.OrderSnapshot

	mu       sync.RWMutex
	snapshot *model.OrderSnapshot
	status   model.OrderStatus
	finished bool
}

type pollResult struct {
	snapshot *model.OrderSnapshot
	err      error
}

// New creates a loop for orderID
func New(orderID string, fetcher Fetcher, subs Subscriber, sessions Sessions, hooks Hooks, opts Options) *Loop {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.PushPullInterval <= 0 {
		opts.PushPullInterval = 2 * time.Second
	}
	if opts.PushBuffer <= 0 {
		opts.PushBuffer = 16
	}

	return &Loop{
		orderID:  orderID,
		fetcher:  fetcher,
		subs:     subs,
		sessions: sessions,
		hooks:    hooks,
		opts:     opts,
		logger:   log.Component("reconcile").WithField("order_id", orderID),
		metrics:  opts.Metrics,
		pushes:   make(chan *model.OrderSnapshot, opts.PushBuffer),
	}
}

// OrderID returns the order this loop follows
func (l *Loop) OrderID() string {
	return l.orderID
}

// Status returns the last reconciled status
func (l *Loop) Status() model.OrderStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

// Snapshot returns the last applied order snapshot
func (l *Loop) Snapshot() *model.OrderSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.snapshot == nil {
		return nil
	}
	c := *l.snapshot
	return &c
}

// Finished reports whether the loop reached its end state
func (l *Loop) Finished() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.finished
}

// Run blocks until the order is settled or ctx is cancelled. It returns nil
// when the loop ended on its own and ctx.Err() on cancellation.
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub, err := l.subs.Subscribe(ctx, []string{topic.Order(l.orderID)}, l.handlePush)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	snap, err := l.fetcher.FetchOrder(ctx, l.orderID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.metrics.IncPollFailure()
		l.logger.WithError(err).Warn("initial order load failed")
	} else if l.apply(ctx, snap, SourceLoad) {
		return nil
	}

	if l.converge(ctx) {
		return nil
	}

	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	limiter := rate.NewLimiter(rate.Every(l.opts.PushPullInterval), 1)
	polls := make(chan pollResult, 1)
	polling := false

	poll := func() {
		if polling {
			return
		}
		polling = true
		go func() {
			snap, err := l.fetcher.FetchOrder(ctx, l.orderID)
			select {
			case polls <- pollResult{snapshot: snap, err: err}:
			case <-ctx.Done():
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case snap := <-l.pushes:
			if l.apply(ctx, snap, SourcePush) {
				return nil
			}
			if limiter.Allow() {
				poll()
			}

		case <-ticker.C:
			if l.converge(ctx) {
				return nil
			}
			poll()

		case res := <-polls:
			polling = false
			if res.err != nil {
				l.metrics.IncPollFailure()
				l.logger.WithError(res.err).Warn("order poll failed, keeping current status")
				continue
			}
			if l.apply(ctx, res.snapshot, SourcePoll) {
				return nil
			}
		}
	}
}

// handlePush runs on the delivery goroutine and only enqueues
func (l *Loop) handlePush(msg transport.Message) {
	snap, err := model.DecodeOrderEvent(msg.Payload)
	if err != nil {
		l.metrics.IncDropped("malformed")
		l.logger.WithError(err).Debug("malformed order event dropped")
		return
	}
	if snap.ID != l.orderID {
		l.metrics.IncDropped("mistargeted")
		l.logger.WithField("event_order_id", snap.ID).Debug("order event for another order dropped")
		return
	}

	select {
	case l.pushes <- snap:
		return
	default:
	}

	// keep the newest push when the loop falls behind
	select {
	case <-l.pushes:
	default:
	}
	select {
	case l.pushes <- snap:
	default:
	}
	l.metrics.IncDropped("overflow")
}

// apply merges a snapshot into the loop state. It returns true once the
// order is terminal and the loop is done.
func (l *Loop) apply(ctx context.Context, snap *model.OrderSnapshot, source Source) bool {
	if snap == nil || snap.ID != l.orderID {
		return false
	}

	l.mu.Lock()
	current := l.status
	var next model.OrderStatus
	switch source {
	case SourcePush:
		next = Reconcile(&current, &snap.Status, nil)
	default:
		next = Reconcile(&current, nil, &snap.Status)
	}
	changed := next != current
	if next == snap.Status {
		c := *snap
		l.snapshot = &c
	}
	l.status = next
	l.mu.Unlock()

	if changed || source == SourceLoad {
		l.metrics.IncStatusTransition(string(source), string(next))
		l.logger.WithFields(logrus.Fields{
			"status":   next,
			"previous": current,
			"source":   source,
		}).Info("order status updated")
		if l.hooks.OnStatus != nil {
			l.hooks.OnStatus(l.Snapshot(), source)
		}
	}

	if next.IsTerminal() {
		l.finish(ctx, next)
		return true
	}
	return false
}

func (l *Loop) finish(ctx context.Context, status model.OrderStatus) {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return
	}
	l.finished = true
	l.mu.Unlock()

	if outcome, ok := model.OutcomeFor(l.orderID, status); ok {
		l.metrics.IncOutcome(string(status), string(outcome.Kind))
		l.logger.WithFields(logrus.Fields{
			"status": status,
			"kind":   outcome.Kind,
		}).Info("order reached terminal status")
		if l.hooks.OnTerminal != nil {
			l.hooks.OnTerminal(outcome)
		}
	}

	l.cleanup(ctx)
	if l.hooks.Navigate != nil {
		l.hooks.Navigate(l.orderID, NavigateTerminal)
	}
}

// converge leaves the order view when there is no payment session for a
// non-terminal order.
func (l *Loop) converge(ctx context.Context) bool {
	if l.Status().IsTerminal() || l.sessions.Current().BelongsTo(l.orderID) {
		return false
	}

	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return true
	}
	l.finished = true
	l.mu.Unlock()

	l.logger.Info("no payment session for order, leaving")
	l.cleanup(ctx)
	if l.hooks.Navigate != nil {
		l.hooks.Navigate(l.orderID, NavigateInvalidSession)
	}
	return true
}

func (l *Loop) cleanup(ctx context.Context) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if _, err := l.sessions.ClearIf(cctx, l.orderID); err != nil {
		l.logger.WithError(err).Warn("failed to clear payment session")
	}
}
