package loopback

import (
	"context"
	"sync"
	"time"

	"carwash/internal/transport"
	"carwash/pkg/topic"
)

// session is one client link on the loopback broker
type session struct {
	broker   *Broker
	clientID string
	deliver  func(transport.Message)
	queue    chan transport.Message

	mu      sync.RWMutex
	filters map[string]struct{}

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func (s *session) pump() {
	for {
		select {
		case msg := <-s.queue:
			select {
			case <-s.done:
				return
			default:
			}
			msg.ReceivedAt = time.Now()
			s.deliver(msg)
			s.broker.delivered.Add(1)
		case <-s.done:
			return
		}
	}
}

func (s *session) matches(t string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for f := range s.filters {
		if topic.Match(f, t) {
			return true
		}
	}
	return false
}

func (s *session) enqueue(ctx context.Context, msg transport.Message, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.queue <- msg:
		return nil
	case <-s.done:
		// QoS 0, a closed session just misses the message
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrPublishTimeout
	}
}

func (s *session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Subscribe implements transport.Link
func (s *session) Subscribe(ctx context.Context, topics []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, t := range topics {
		if err := topic.ValidatePattern(t); err != nil {
			return err
		}
	}
	if s.isClosed() {
		return transport.ErrClosed
	}

	s.mu.Lock()
	for _, t := range topics {
		s.filters[t] = struct{}{}
	}
	s.mu.Unlock()
	return nil
}

// Unsubscribe implements transport.Link
func (s *session) Unsubscribe(ctx context.Context, topics []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.isClosed() {
		return transport.ErrClosed
	}

	s.mu.Lock()
	for _, t := range topics {
		delete(s.filters, t)
	}
	s.mu.Unlock()
	return nil
}

// Publish implements transport.Link
func (s *session) Publish(ctx context.Context, t string, payload []byte) error {
	if s.isClosed() {
		return transport.ErrClosed
	}
	return s.broker.Publish(ctx, t, payload)
}

// Done implements transport.Link
func (s *session) Done() <-chan struct{} {
	return s.done
}

// Err implements transport.Link
func (s *session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close implements transport.Link
func (s *session) Close() error {
	s.closeWith(nil)
	s.broker.remove(s)
	return nil
}

func (s *session) closeWith(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.done)
	})
}
