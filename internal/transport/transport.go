// Package transport owns the single live broker connection of an application
// instance and its lifecycle.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a broker connection
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON documents
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Live reports whether the connector is working towards or holding a link
func (s State) Live() bool {
	return s == StateConnecting || s == StateOpen || s == StateReconnecting
}

var (
	ErrAuthRejected = errors.New("broker rejected credentials")
	ErrTokenExpired = fmt.Errorf("%w: token expired", ErrAuthRejected)
	ErrNotOpen      = errors.New("broker connection is not open")
	ErrClosed       = errors.New("broker connection closed")
)

// Message is one inbound publish
type Message struct {
	Topic      string    `json:"topic"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// Link is one physical broker session. It never reconnects by itself.
type Link interface {
	Subscribe(ctx context.Context, topics []string) error
	Unsubscribe(ctx context.Context, topics []string) error
	Publish(ctx context.Context, topic string, payload []byte) error
	// Done is closed when the link drops or is closed
	Done() <-chan struct{}
	// Err returns why the link dropped, nil after a local Close
	Err() error
	Close() error
}

// Dialer opens links. deliver is called for every inbound message, in
// broker order, on a single goroutine per link.
type Dialer interface {
	Dial(ctx context.Context, clientID string, creds Credentials, deliver func(Message)) (Link, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context, clientID string, creds Credentials, deliver func(Message)) (Link, error)

// Dial implements Dialer
func (f DialerFunc) Dial(ctx context.Context, clientID string, creds Credentials, deliver func(Message)) (Link, error) {
	return f(ctx, clientID, creds, deliver)
}
