// Package loopback is an in-process broker used for local development and tests.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"carwash/internal/transport"
	"carwash/pkg/topic"
)

var (
	ErrBrokerClosed     = errors.New("broker is closed")
	ErrUnavailable      = errors.New("broker unavailable")
	ErrConnectionLost   = errors.New("connection lost")
	ErrPublishTimeout   = errors.New("publish timeout")
	ErrInvalidClientID  = errors.New("invalid client id")
	ErrClientIDConflict = errors.New("client id already connected")
)

// Config loopback broker configuration
type Config struct {
	BufferSize int           `json:"buffer_size"`
	Timeout    time.Duration `json:"timeout"`
	// Authorize rejects a dial by returning an error
	Authorize func(clientID string, creds transport.Credentials) error `json:"-"`
}

// Stats broker statistics
type Stats struct {
	Sessions  int   `json:"sessions"`
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`
	Available bool  `json:"available"`
}

// Broker is an in-memory broker that speaks the transport.Link contract
type Broker struct {
	config *Config

	mu          sync.RWMutex
	closed      bool
	unavailable bool
	sessions    map[string]*session

	published atomic.Int64
	delivered atomic.Int64
}

// NewBroker creates a new loopback broker
func NewBroker(config *Config) *Broker {
	if config == nil {
		config = &Config{}
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	return &Broker{
		config:   config,
		sessions: make(map[string]*session),
	}
}

// Dial implements transport.Dialer
func (b *Broker) Dial(ctx context.Context, clientID string, creds transport.Credentials, deliver func(transport.Message)) (transport.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if clientID == "" {
		return nil, ErrInvalidClientID
	}
	if b.config.Authorize != nil {
		if err := b.config.Authorize(clientID, creds); err != nil {
			return nil, fmt.Errorf("%w: %v", transport.ErrAuthRejected, err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}
	if b.unavailable {
		return nil, ErrUnavailable
	}
	// clean start: a second connect with the same id takes over the session
	if prev, ok := b.sessions[clientID]; ok {
		prev.closeWith(ErrClientIDConflict)
		delete(b.sessions, clientID)
	}

	s := &session{
		broker:   b,
		clientID: clientID,
		deliver:  deliver,
		queue:    make(chan transport.Message, b.config.BufferSize),
		filters:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	b.sessions[clientID] = s
	go s.pump()

	return s, nil
}

// Publish delivers payload to every session with a matching subscription
func (b *Broker) Publish(ctx context.Context, t string, payload []byte) error {
	if err := topic.ValidateTopic(t); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBrokerClosed
	}
	targets := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		if s.matches(t) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	b.published.Add(1)

	msg := transport.Message{Topic: t, Payload: append([]byte(nil), payload...)}
	for _, s := range targets {
		if err := s.enqueue(ctx, msg, b.config.Timeout); err != nil {
			return err
		}
	}
	return nil
}

// Drop force-closes a client session as if the network went away
func (b *Broker) Drop(clientID string) bool {
	return b.kick(clientID, ErrConnectionLost)
}

// Kick closes a client session with the given reason
func (b *Broker) Kick(clientID string, reason error) bool {
	return b.kick(clientID, reason)
}

func (b *Broker) kick(clientID string, reason error) bool {
	b.mu.Lock()
	s, ok := b.sessions[clientID]
	if ok {
		delete(b.sessions, clientID)
	}
	b.mu.Unlock()

	if ok {
		s.closeWith(reason)
	}
	return ok
}

// SetAvailable makes the broker accept or refuse new dials. Refusing also
// drops every connected session.
func (b *Broker) SetAvailable(available bool) {
	b.mu.Lock()
	b.unavailable = !available
	var dropped []*session
	if !available {
		for id, s := range b.sessions {
			dropped = append(dropped, s)
			delete(b.sessions, id)
		}
	}
	b.mu.Unlock()

	for _, s := range dropped {
		s.closeWith(ErrConnectionLost)
	}
}

// Connected reports whether clientID has a live session
func (b *Broker) Connected(clientID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.sessions[clientID]
	return ok
}

// Subscribers counts sessions whose filters select topic t
func (b *Broker) Subscribers(t string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, s := range b.sessions {
		if s.matches(t) {
			n++
		}
	}
	return n
}

// Health checks the broker is serving
func (b *Broker) Health() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBrokerClosed
	}
	if b.unavailable {
		return ErrUnavailable
	}
	return nil
}

// GetStats returns broker statistics
func (b *Broker) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Stats{
		Sessions:  len(b.sessions),
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Available: !b.closed && !b.unavailable,
	}
}

// Close shuts the broker down and drops every session
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sessions := b.sessions
	b.sessions = make(map[string]*session)
	b.mu.Unlock()

	for _, s := range sessions {
		s.closeWith(ErrBrokerClosed)
	}
	return nil
}

func (b *Broker) remove(s *session) {
	b.mu.Lock()
	if cur, ok := b.sessions[s.clientID]; ok && cur == s {
		delete(b.sessions, s.clientID)
	}
	b.mu.Unlock()
}
