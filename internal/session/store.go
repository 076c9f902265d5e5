// Package session holds the payment session currently shown to the customer.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"carwash/internal/model"
	"carwash/internal/monitor"
	"carwash/pkg/log"
	"carwash/pkg/secretstore"
)

// DefaultKey is the cache entry holding the payment session
const DefaultKey = "payment_session"

// Options configures a Store
type Options struct {
	Key     string
	TTL     time.Duration
	Metrics *monitor.Metrics
}

// Store keeps the current PaymentSession in memory and writes it through to
// an encrypted, session-scoped cache. Sessions are replaced, never merged.
type Store struct {
	secrets secretstore.SecretStore
	key     string
	ttl     time.Duration
	logger  *logrus.Entry
	metrics *monitor.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	current *model.PaymentSession

	watchMu  sync.Mutex
	watchers map[uint64]func(*model.PaymentSession)
	nextID   uint64
	notifyMu sync.Mutex
}

// NewStore creates a store over secrets
func NewStore(secrets secretstore.SecretStore, opts Options) *Store {
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Minute
	}
	return &Store{
		secrets:  secrets,
		key:      opts.Key,
		ttl:      opts.TTL,
		logger:   log.Component("session"),
		metrics:  opts.Metrics,
		now:      time.Now,
		watchers: make(map[uint64]func(*model.PaymentSession)),
	}
}

// Restore adopts the cached session when it belongs to orderID. An empty
// orderID adopts any unexpired session. A session for another order is left
// in the cache untouched; undecodable or expired entries are removed.
func (s *Store) Restore(ctx context.Context, orderID string) (*model.PaymentSession, error) {
	ps, err := s.loadCached(ctx)
	if err != nil {
		return nil, err
	}
	if ps == nil {
		return nil, nil
	}

	logger := s.logger.WithFields(logrus.Fields{"order_id": ps.OrderID, "wanted": orderID})
	switch {
	case orderID != "" && ps.OrderID != orderID:
		logger.Debug("cached payment session belongs to another order")
		return nil, nil
	case ps.IsExpired(s.now()):
		logger.Info("cached payment session expired, discarding")
		s.dropCache(ctx)
		return nil, nil
	}

	s.mu.Lock()
	s.current = ps
	s.mu.Unlock()

	s.metrics.IncSessionOp("restore")
	logger.Info("payment session restored")
	s.notify()
	return clone(ps), nil
}

func (s *Store) loadCached(ctx context.Context) (*model.PaymentSession, error) {
	raw, err := s.secrets.Load(ctx, s.key)
	switch {
	case errors.Is(err, secretstore.ErrNotFound):
		return nil, nil
	case errors.Is(err, secretstore.ErrDecryption):
		s.logger.WithError(err).Warn("cached payment session unreadable, discarding")
		s.dropCache(ctx)
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to load payment session: %w", err)
	}

	var ps model.PaymentSession
	if err := json.Unmarshal(raw, &ps); err != nil {
		s.logger.WithError(err).Warn("cached payment session undecodable, discarding")
		s.dropCache(ctx)
		return nil, nil
	}
	if err := ps.Validate(); err != nil {
		s.logger.WithError(err).Warn("cached payment session invalid, discarding")
		s.dropCache(ctx)
		return nil, nil
	}
	return &ps, nil
}

func (s *Store) dropCache(ctx context.Context) {
	if err := s.secrets.Clear(ctx, s.key); err != nil {
		s.logger.WithError(err).Warn("failed to clear cached payment session")
	}
}

// Replace swaps the current session for ps and writes it to the cache in the
// same step. The in-memory session is replaced even when the cache write
// fails; the error is returned.
func (s *Store) Replace(ctx context.Context, ps *model.PaymentSession) error {
	if ps == nil {
		return fmt.Errorf("%w: nil payment session", model.ErrMalformedPayload)
	}
	if err := ps.Validate(); err != nil {
		return err
	}
	next := clone(ps)

	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode payment session: %w", err)
	}

	s.mu.Lock()
	s.current = next
	saveErr := s.secrets.Save(ctx, s.key, raw, s.entryTTL(next))
	s.mu.Unlock()

	s.metrics.IncSessionOp("replace")
	s.logger.WithFields(logrus.Fields{
		"order_id":   next.OrderID,
		"expired_at": next.ExpiredAt,
	}).Info("payment session replaced")
	s.notify()

	if saveErr != nil {
		return fmt.Errorf("failed to cache payment session: %w", saveErr)
	}
	return nil
}

func (s *Store) entryTTL(ps *model.PaymentSession) time.Duration {
	until := ps.ExpiredAt.Sub(s.now())
	if until <= 0 {
		return time.Second
	}
	if until < s.ttl {
		return until
	}
	return s.ttl
}

// Current returns a copy of the current session, nil when there is none
func (s *Store) Current() *model.PaymentSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.current)
}

// Clear drops the current session from memory and cache
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	had := s.current != nil
	s.current = nil
	err := s.secrets.Clear(ctx, s.key)
	s.mu.Unlock()

	s.metrics.IncSessionOp("clear")
	if had {
		s.logger.Info("payment session cleared")
		s.notify()
	}
	if err != nil {
		return fmt.Errorf("failed to clear cached payment session: %w", err)
	}
	return nil
}

// ClearIf clears the session only when it belongs to orderID. It reports
// whether anything was cleared.
func (s *Store) ClearIf(ctx context.Context, orderID string) (bool, error) {
	s.mu.RLock()
	cur := s.current
	s.mu.RUnlock()

	if cur != nil {
		if cur.OrderID != orderID {
			return false, nil
		}
		return s.clearIfCurrent(ctx, orderID)
	}

	cached, err := s.loadCached(ctx)
	if err != nil || cached == nil || cached.OrderID != orderID {
		return false, err
	}
	s.dropCache(ctx)
	return true, nil
}

func (s *Store) clearIfCurrent(ctx context.Context, orderID string) (bool, error) {
	s.mu.Lock()
	if s.current == nil || s.current.OrderID != orderID {
		s.mu.Unlock()
		return false, nil
	}
	s.current = nil
	err := s.secrets.Clear(ctx, s.key)
	s.mu.Unlock()

	s.metrics.IncSessionOp("clear")
	s.logger.WithField("order_id", orderID).Info("payment session cleared")
	s.notify()

	if err != nil {
		return true, fmt.Errorf("failed to clear cached payment session: %w", err)
	}
	return true, nil
}

// Watch registers fn for every change. fn receives nil when the session is cleared.
func (s *Store) Watch(fn func(*model.PaymentSession)) (cancel func()) {
	s.watchMu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	s.watchMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.watchMu.Lock()
			delete(s.watchers, id)
			s.watchMu.Unlock()
		})
	}
}

// notify hands watchers the session as it is now, so a late notification
// never resurrects an older value.
func (s *Store) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	ps := s.Current()

	s.watchMu.Lock()
	fns := make([]func(*model.PaymentSession), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.watchMu.Unlock()

	for _, fn := range fns {
		fn(clone(ps))
	}
}

func clone(ps *model.PaymentSession) *model.PaymentSession {
	if ps == nil {
		return nil
	}
	c := *ps
	return &c
}
