package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"carwash/internal/monitor"
	"carwash/pkg/log"
	"carwash/pkg/topic"
)

// Options configures a Connector
type Options struct {
	ClientIDPrefix  string
	ClientID        string
	ReconnectPeriod time.Duration
	ConnectTimeout  time.Duration
	RequestTimeout  time.Duration
	Metrics         *monitor.Metrics
}

// DefaultOptions returns the production connector settings
func DefaultOptions() Options {
	return Options{
		ClientIDPrefix:  "carwash_",
		ReconnectPeriod: 5000 * time.Millisecond,
		ConnectTimeout:  30 * time.Second,
		RequestTimeout:  10 * time.Second,
	}
}

// Connection is a point in time view of a connector
type Connection struct {
	ClientID  string    `json:"client_id"`
	State     State     `json:"state"`
	Since     time.Time `json:"since"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
}

// Connector keeps at most one live link to the broker and reconnects it with
// a fixed delay until Disconnect or an authentication rejection.
type Connector struct {
	dialer   Dialer
	opts     Options
	clientID string
	logger   *logrus.Entry
	metrics  *monitor.Metrics

	// lifecycle serializes Connect and Disconnect
	lifecycle sync.Mutex

	mu       sync.RWMutex
	state    State
	since    time.Time
	creds    Credentials
	link     Link
	lastErr  error
	attempts int
	cancel   context.CancelFunc
	done     chan struct{}
	sink     func(Message)

	watchMu  sync.Mutex
	watchers map[uint64]func(State)
	nextID   uint64

	// notifyMu keeps watcher callbacks in transition order
	notifyMu sync.Mutex
}

// NewConnector creates a connector. The client id is generated once per
// connector unless opts.ClientID is set.
func NewConnector(dialer Dialer, opts Options) *Connector {
	def := DefaultOptions()
	if opts.ReconnectPeriod <= 0 {
		opts.ReconnectPeriod = def.ReconnectPeriod
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}

	clientID := opts.ClientID
	if clientID == "" {
		clientID = opts.ClientIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}

	return &Connector{
		dialer:   dialer,
		opts:     opts,
		clientID: clientID,
		logger:   log.Component("transport").WithField("client_id", clientID),
		metrics:  opts.Metrics,
		state:    StateClosed,
		since:    time.Now(),
		watchers: make(map[uint64]func(State)),
	}
}

// ClientID returns the broker client id of this connector
func (c *Connector) ClientID() string {
	return c.clientID
}

// Connect starts connecting with creds and returns immediately. Calling it
// again with the same credentials while the connection is live returns the
// existing connection. Different credentials close the prior connection first.
func (c *Connector) Connect(creds Credentials) (Connection, error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.RLock()
	same := c.state.Live() && c.creds.Equal(creds)
	c.mu.RUnlock()
	if same {
		return c.Snapshot(), nil
	}

	if c.stop() {
		c.logger.Info("credentials changed, closing previous broker connection")
		c.setState(StateClosed)
	}

	c.mu.Lock()
	c.creds = creds
	c.attempts = 0
	c.lastErr = nil
	c.mu.Unlock()

	if creds.Expired(time.Now()) {
		c.fail(ErrTokenExpired)
		return c.Snapshot(), ErrTokenExpired
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	c.setState(StateConnecting)
	go c.run(ctx, creds, done)

	return c.Snapshot(), nil
}

// Disconnect tears the connection down. It is safe to call at any time and
// more than once. The final state is Closed unless the connector is Errored.
func (c *Connector) Disconnect() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.stop()
	if c.State() != StateErrored {
		c.setState(StateClosed)
	}
}

// stop cancels the run loop and waits for it. It reports whether a loop was running.
func (c *Connector) stop() bool {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	<-done
	return true
}

func (c *Connector) run(ctx context.Context, creds Credentials, done chan struct{}) {
	defer close(done)

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			c.metrics.IncReconnect()
			timer := time.NewTimer(c.opts.ReconnectPeriod)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		link, err := c.dial(ctx, creds)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrAuthRejected) {
				c.logger.WithError(err).Error("broker rejected credentials, not retrying")
				c.fail(err)
				return
			}
			c.logger.WithError(err).WithField("attempt", attempt+1).Warn("broker dial failed")
			c.recordErr(err)
			c.setState(StateReconnecting)
			continue
		}

		c.attach(link)

		select {
		case <-link.Done():
			err := link.Err()
			c.detach(link, err)
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrAuthRejected) {
				c.logger.WithError(err).Error("broker dropped the session for authentication, not retrying")
				c.fail(err)
				return
			}
			c.logger.WithError(err).Warn("broker link dropped")
			c.setState(StateReconnecting)
		case <-ctx.Done():
			if err := link.Close(); err != nil {
				c.logger.WithError(err).Debug("closing broker link")
			}
			c.detach(link, nil)
			return
		}
	}
}

func (c *Connector) dial(ctx context.Context, creds Credentials) (Link, error) {
	c.mu.Lock()
	c.attempts++
	c.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	return c.dialer.Dial(dctx, c.clientID, creds, c.deliver)
}

func (c *Connector) attach(link Link) {
	c.mu.Lock()
	c.link = link
	c.lastErr = nil
	c.mu.Unlock()
	c.setState(StateOpen)
}

func (c *Connector) detach(link Link, err error) {
	c.mu.Lock()
	if c.link == link {
		c.link = nil
	}
	if err != nil {
		c.lastErr = err
	}
	c.mu.Unlock()
}

func (c *Connector) recordErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Connector) fail(err error) {
	c.recordErr(err)
	c.setState(StateErrored)
}

func (c *Connector) deliver(msg Message) {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	c.mu.RLock()
	sink := c.sink
	c.mu.RUnlock()
	if sink != nil {
		sink(msg)
	}
}

func (c *Connector) setState(s State) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	prev := c.state
	if prev == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.since = time.Now()
	c.mu.Unlock()

	c.metrics.SetConnectionState(s.String())
	c.logger.WithFields(logrus.Fields{
		"state":    s.String(),
		"previous": prev.String(),
	}).Info("broker connection state changed")

	c.watchMu.Lock()
	fns := make([]func(State), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.watchMu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// State returns the current lifecycle state
func (c *Connector) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Err returns the last transport error, if any
func (c *Connector) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Snapshot returns the current connection view
func (c *Connector) Snapshot() Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()

	conn := Connection{
		ClientID: c.clientID,
		State:    c.state,
		Since:    c.since,
		Attempts: c.attempts,
	}
	if c.lastErr != nil {
		conn.LastError = c.lastErr.Error()
	}
	return conn
}

// Watch registers fn for every state transition. Callbacks run on the
// connector's goroutine and must not call Connect or Disconnect.
func (c *Connector) Watch(fn func(State)) (cancel func()) {
	c.watchMu.Lock()
	id := c.nextID
	c.nextID++
	c.watchers[id] = fn
	c.watchMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.watchMu.Lock()
			delete(c.watchers, id)
			c.watchMu.Unlock()
		})
	}
}

// OnMessage installs the sink for inbound messages, replacing any previous one
func (c *Connector) OnMessage(fn func(Message)) {
	c.mu.Lock()
	c.sink = fn
	c.mu.Unlock()
}

// WaitOpen blocks until the connection is Open. It fails fast when the
// connector is Errored or Closed.
func (c *Connector) WaitOpen(ctx context.Context) error {
	wake := make(chan struct{}, 1)
	cancel := c.Watch(func(State) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer cancel()

	for {
		switch c.State() {
		case StateOpen:
			return nil
		case StateErrored:
			if err := c.Err(); err != nil {
				return err
			}
			return ErrAuthRejected
		case StateClosed:
			return ErrClosed
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connector) openLink() (Link, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateOpen || c.link == nil {
		return nil, ErrNotOpen
	}
	return c.link, nil
}

func (c *Connector) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opts.RequestTimeout)
}

// BrokerSubscribe subscribes the live link to topics
func (c *Connector) BrokerSubscribe(ctx context.Context, topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	link, err := c.openLink()
	if err != nil {
		return err
	}
	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	if err := link.Subscribe(ctx, topics); err != nil {
		return fmt.Errorf("subscribe %v: %w", topics, err)
	}
	return nil
}

// BrokerUnsubscribe removes topics from the live link
func (c *Connector) BrokerUnsubscribe(ctx context.Context, topics []string) error {
	if len(topics) == 0 {
		return nil
	}
	link, err := c.openLink()
	if err != nil {
		return err
	}
	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	if err := link.Unsubscribe(ctx, topics); err != nil {
		return fmt.Errorf("unsubscribe %v: %w", topics, err)
	}
	return nil
}

// Publish sends payload to a concrete topic with QoS 0
func (c *Connector) Publish(ctx context.Context, t string, payload []byte) error {
	if err := topic.ValidateTopic(t); err != nil {
		return err
	}
	link, err := c.openLink()
	if err != nil {
		return err
	}
	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	if err := link.Publish(ctx, t, payload); err != nil {
		return fmt.Errorf("publish %s: %w", t, err)
	}
	return nil
}
