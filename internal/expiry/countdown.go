// Package expiry drives the local QR countdown for a payment session.
package expiry

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"carwash/internal/model"
	"carwash/internal/monitor"
	"carwash/pkg/log"
)

// Options configures a Countdown
type Options struct {
	// Tick is the interval between decrements, one second by default
	Tick time.Duration
	// OnTick receives the remaining seconds after every decrement
	OnTick func(remaining int)
	// OnExpire is called once when the countdown reaches zero
	OnExpire func(expiredAt time.Time)
	Metrics  *monitor.Metrics
	Now      func() time.Time
}

// Countdown counts whole seconds down to a payment session's expiry.
// Callbacks run on the countdown goroutine without locks held.
type Countdown struct {
	opts Options

	mu        sync.Mutex
	expiredAt time.Time
	remaining int
	fired     bool
	running   bool
	gen       uint64
	stop      chan struct{}
}

// New creates an idle countdown
func New(opts Options) *Countdown {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Countdown{opts: opts}
}

// Reset starts counting down to expiredAt. Resetting to the deadline that
// is already being counted is a no-op.
func (c *Countdown) Reset(expiredAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if (c.running || c.fired) && c.expiredAt.Equal(expiredAt) {
		return
	}

	c.halt()
	c.gen++
	c.expiredAt = expiredAt
	c.remaining = model.RemainingSeconds(expiredAt, c.opts.Now())
	c.fired = false
	c.running = true
	c.stop = make(chan struct{})

	log.Component("expiry").WithFields(logrus.Fields{
		"expired_at": expiredAt,
		"remaining":  c.remaining,
	}).Debug("countdown reset")

	go c.run(c.gen, c.stop)
}

// Stop cancels the countdown without firing
func (c *Countdown) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.halt()
}

func (c *Countdown) halt() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.running = false
}

// Remaining returns the seconds left on the current countdown
func (c *Countdown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// ExpiredAt returns the deadline being counted
func (c *Countdown) ExpiredAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expiredAt
}

// Running reports whether a countdown is in progress
func (c *Countdown) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Expired reports whether the current countdown has fired
func (c *Countdown) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fired
}

func (c *Countdown) run(gen uint64, stop <-chan struct{}) {
	if c.step(gen, false) {
		return
	}

	ticker := time.NewTicker(c.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if c.step(gen, true) {
				return
			}
		}
	}
}

// step decrements when asked and fires at zero. It returns true when the
// goroutine should exit.
func (c *Countdown) step(gen uint64, decrement bool) bool {
	c.mu.Lock()
	if c.gen != gen || !c.running {
		c.mu.Unlock()
		return true
	}
	if decrement && c.remaining > 0 {
		c.remaining--
	}
	remaining := c.remaining
	expiredAt := c.expiredAt
	fire := remaining == 0 && !c.fired
	if fire {
		c.fired = true
		c.running = false
		c.stop = nil
	}
	c.mu.Unlock()

	if decrement && c.opts.OnTick != nil {
		c.opts.OnTick(remaining)
	}
	if fire {
		c.opts.Metrics.IncPaymentExpired()
		log.Component("expiry").WithField("expired_at", expiredAt).Info("payment qr expired")
		if c.opts.OnExpire != nil {
			c.opts.OnExpire(expiredAt)
		}
	}
	return fire
}
