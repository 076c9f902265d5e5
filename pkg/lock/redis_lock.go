// Package lock provides a Redis lease that keeps two agents from driving the
// same kiosk at once.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrHeld the lease belongs to another owner
	ErrHeld = errors.New("lease held by another owner")
	// ErrNotHeld the lease expired or was taken over
	ErrNotHeld = errors.New("lease not held")
)

// acquire takes the key when free and refreshes it when we already own it
var acquireScript = redis.NewScript(`
local cur = redis.call("get", KEYS[1])
if cur == false or cur == ARGV[1] then
	redis.call("set", KEYS[1], ARGV[1], "px", ARGV[2])
	return 1
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lease is an expiring, owner-tagged Redis key
type Lease struct {
	client redis.Scripter
	key    string
	owner  string
	ttl    time.Duration
}

// NewLease creates a lease on key for owner
func NewLease(client redis.Scripter, key, owner string, ttl time.Duration) *Lease {
	return &Lease{
		client: client,
		key:    key,
		owner:  owner,
		ttl:    ttl,
	}
}

// Key returns the Redis key of the lease
func (l *Lease) Key() string {
	return l.key
}

// Acquire takes the lease once. It returns ErrHeld when another owner has it.
func (l *Lease) Acquire(ctx context.Context) error {
	ok, err := acquireScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if ok == 0 {
		return ErrHeld
	}
	return nil
}

// AcquireWait retries Acquire every retryDelay until it succeeds or ctx ends
func (l *Lease) AcquireWait(ctx context.Context, retryDelay time.Duration) error {
	for {
		err := l.Acquire(ctx)
		if !errors.Is(err, ErrHeld) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

// Renew pushes the expiry out by the lease ttl
func (l *Lease) Renew(ctx context.Context) error {
	ok, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", l.key, err)
	}
	if ok == 0 {
		return ErrNotHeld
	}
	return nil
}

// Release gives the lease up if we still own it
func (l *Lease) Release(ctx context.Context) error {
	ok, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Int()
	if err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	if ok == 0 {
		return ErrNotHeld
	}
	return nil
}

// Keep renews the lease every interval until ctx ends. It returns ErrNotHeld
// as soon as the lease is lost. Transient Redis errors are retried on the
// next tick while the lease has not yet expired.
func (l *Lease) Keep(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastRenewed := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		err := l.Renew(ctx)
		switch {
		case err == nil:
			lastRenewed = time.Now()
		case errors.Is(err, ErrNotHeld):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		case time.Since(lastRenewed) >= l.ttl:
			return fmt.Errorf("%w: %v", ErrNotHeld, err)
		}
	}
}
