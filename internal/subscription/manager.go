// Package subscription multiplexes local handlers over the single broker
// connection of an application instance.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"carwash/internal/monitor"
	"carwash/internal/transport"
	"carwash/pkg/log"
	"carwash/pkg/topic"
)

var ErrManagerClosed = errors.New("subscription manager closed")

// Connector is the part of transport.Connector the manager rides on
type Connector interface {
	State() transport.State
	Watch(fn func(transport.State)) (cancel func())
	OnMessage(fn func(transport.Message))
	BrokerSubscribe(ctx context.Context, topics []string) error
	BrokerUnsubscribe(ctx context.Context, topics []string) error
}

// Handler receives messages on the connector's delivery goroutine. It must
// not block.
type Handler func(msg transport.Message)

// Options configures a Manager
type Options struct {
	RetainTopics   int
	RequestTimeout time.Duration
	Metrics        *monitor.Metrics
}

// Manager owns the registry of local subscriptions
type Manager struct {
	conn    Connector
	opts    Options
	logger  *logrus.Entry
	metrics *monitor.Metrics
	latest  *lru.Cache[string, transport.Message]

	mu       sync.RWMutex
	closed   bool
	subs     map[uint64]*Subscription
	patterns map[string]map[uint64]*Subscription
	nextID   uint64

	stopWatch func()
}

// Subscription is the handle returned by Subscribe
type Subscription struct {
	id       uint64
	manager  *Manager
	patterns []string
	handler  Handler
	closed   atomic.Bool
}

// NewManager attaches a manager to conn. It becomes the connector's message sink.
func NewManager(conn Connector, opts Options) (*Manager, error) {
	if opts.RetainTopics <= 0 {
		opts.RetainTopics = 256
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}

	latest, err := lru.New[string, transport.Message](opts.RetainTopics)
	if err != nil {
		return nil, fmt.Errorf("failed to create latest message cache: %w", err)
	}

	m := &Manager{
		conn:     conn,
		opts:     opts,
		logger:   log.Component("subscription"),
		metrics:  opts.Metrics,
		latest:   latest,
		subs:     make(map[uint64]*Subscription),
		patterns: make(map[string]map[uint64]*Subscription),
	}

	conn.OnMessage(m.dispatch)
	m.stopWatch = conn.Watch(m.onState)

	return m, nil
}

// Subscribe registers handler for patterns. When the connection is not open
// the broker subscription is deferred until it is.
func (m *Manager) Subscribe(ctx context.Context, patterns []string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, errors.New("nil handler")
	}
	if len(patterns) == 0 {
		return nil, topic.ErrEmptyPattern
	}

	uniq := make([]string, 0, len(patterns))
	seen := make(map[string]struct{}, len(patterns))
	for _, p := range patterns {
		if err := topic.ValidatePattern(p); err != nil {
			return nil, err
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		uniq = append(uniq, p)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.nextID++
	sub := &Subscription{id: m.nextID, manager: m, patterns: uniq, handler: handler}
	m.subs[sub.id] = sub

	var fresh []string
	for _, p := range uniq {
		set, ok := m.patterns[p]
		if !ok {
			set = make(map[uint64]*Subscription)
			m.patterns[p] = set
			fresh = append(fresh, p)
		}
		set[sub.id] = sub
	}
	count := len(m.subs)
	m.mu.Unlock()

	m.metrics.SetSubscriptions(count)

	if len(fresh) == 0 || m.conn.State() != transport.StateOpen {
		m.logger.WithField("patterns", uniq).Debug("subscription registered")
		return sub, nil
	}

	if err := m.conn.BrokerSubscribe(ctx, fresh); err != nil {
		if errors.Is(err, transport.ErrNotOpen) {
			m.logger.WithField("patterns", fresh).Debug("connection not open, subscription deferred")
			return sub, nil
		}
		sub.Unsubscribe()
		return nil, err
	}

	m.logger.WithField("patterns", uniq).Debug("subscription registered")
	return sub, nil
}

// Unsubscribe removes the handler. When it returns, the handler is not
// invoked for any further message. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.manager.remove(s)
}

// Patterns returns the filters this subscription was created with
func (s *Subscription) Patterns() []string {
	return append([]string(nil), s.patterns...)
}

// Active reports whether the subscription still receives messages
func (s *Subscription) Active() bool {
	return !s.closed.Load()
}

func (m *Manager) remove(sub *Subscription) {
	m.mu.Lock()
	if _, ok := m.subs[sub.id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.subs, sub.id)

	var gone []string
	for _, p := range sub.patterns {
		set := m.patterns[p]
		delete(set, sub.id)
		if len(set) == 0 {
			delete(m.patterns, p)
			gone = append(gone, p)
		}
	}
	count := len(m.subs)
	m.mu.Unlock()

	m.metrics.SetSubscriptions(count)
	m.brokerUnsubscribe(gone)
}

func (m *Manager) brokerUnsubscribe(patterns []string) {
	if len(patterns) == 0 || m.conn.State() != transport.StateOpen {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RequestTimeout)
	defer cancel()

	if err := m.conn.BrokerUnsubscribe(ctx, patterns); err != nil && !errors.Is(err, transport.ErrNotOpen) {
		m.logger.WithError(err).WithField("patterns", patterns).Warn("broker unsubscribe failed")
	}
}

func (m *Manager) onState(s transport.State) {
	if s != transport.StateOpen {
		return
	}

	patterns := m.Patterns()
	if len(patterns) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RequestTimeout)
	defer cancel()

	if err := m.conn.BrokerSubscribe(ctx, patterns); err != nil {
		m.logger.WithError(err).WithField("patterns", patterns).Warn("resubscribe failed")
		return
	}
	m.logger.WithField("count", len(patterns)).Info("resubscribed after connect")
}

func (m *Manager) dispatch(msg transport.Message) {
	m.metrics.IncMessage(family(msg.Topic))
	m.latest.Add(msg.Topic, msg)

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	var targets []*Subscription
	seen := make(map[uint64]struct{})
	for p, set := range m.patterns {
		if !topic.Match(p, msg.Topic) {
			continue
		}
		for id, sub := range set {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			targets = append(targets, sub)
		}
	}
	m.mu.RUnlock()

	if len(targets) == 0 {
		m.metrics.IncDropped("unrouted")
		m.logger.WithField("topic", msg.Topic).Debug("no handler for message")
		return
	}

	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
	for _, sub := range targets {
		if sub.closed.Load() {
			continue
		}
		m.invoke(sub, msg)
	}
}

func (m *Manager) invoke(sub *Subscription, msg transport.Message) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.IncDropped("handler_panic")
			m.logger.WithFields(logrus.Fields{
				"topic": msg.Topic,
				"panic": r,
			}).Error("subscription handler panicked")
		}
	}()
	sub.handler(msg)
}

// Latest returns the most recent message seen on a concrete topic
func (m *Manager) Latest(t string) (transport.Message, bool) {
	return m.latest.Get(t)
}

// HandlerCount returns how many subscriptions listen on pattern
func (m *Manager) HandlerCount(pattern string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.patterns[pattern])
}

// Len returns the number of live subscriptions
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// Patterns returns the registered patterns in sorted order
func (m *Manager) Patterns() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.patterns))
	for p := range m.patterns {
		out = append(out, p)
	}
	m.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Close drops every subscription and detaches from the connector
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := m.subs
	patterns := make([]string, 0, len(m.patterns))
	for p := range m.patterns {
		patterns = append(patterns, p)
	}
	m.subs = make(map[uint64]*Subscription)
	m.patterns = make(map[string]map[uint64]*Subscription)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.closed.Store(true)
	}
	m.metrics.SetSubscriptions(0)
	m.brokerUnsubscribe(patterns)

	m.stopWatch()
	m.conn.OnMessage(nil)
	m.latest.Purge()
}

func family(t string) string {
	if _, ok := topic.OrderID(t); ok {
		return "order"
	}
	if _, ok := topic.DeviceID(t); ok {
		return "kiosk_payment"
	}
	return "other"
}
