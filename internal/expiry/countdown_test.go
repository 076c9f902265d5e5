package expiry

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fires struct {
	mu  sync.Mutex
	at  []time.Time
	cnt atomic.Int32
}

func (f *fires) onExpire(expiredAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.at = append(f.at, expiredAt)
	f.cnt.Add(1)
}

func TestResetRoundsUp(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	c := New(Options{Tick: time.Hour, Now: func() time.Time { return now }})
	defer c.Stop()

	c.Reset(now.Add(90*time.Second + 200*time.Millisecond))
	assert.Equal(t, 91, c.Remaining())
	assert.True(t, c.Running())

	c.Reset(now.Add(30 * time.Second))
	assert.Equal(t, 30, c.Remaining())
}

func TestFiresOnce(t *testing.T) {
	f := &fires{}
	var ticks []int
	var mu sync.Mutex
	c := New(Options{
		Tick: 5 * time.Millisecond,
		OnTick: func(remaining int) {
			mu.Lock()
			defer mu.Unlock()
			ticks = append(ticks, remaining)
		},
		OnExpire: f.onExpire,
	})

	deadline := time.Now().Add(3 * time.Second)
	c.Reset(deadline)
	require.Eventually(t, func() bool { return f.cnt.Load() == 1 }, 2*time.Second, time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), f.cnt.Load())
	assert.Equal(t, 0, c.Remaining())
	assert.True(t, c.Expired())
	assert.False(t, c.Running())
	assert.True(t, f.at[0].Equal(deadline))

	mu.Lock()
	assert.Equal(t, []int{2, 1, 0}, ticks)
	mu.Unlock()

	// same deadline again does not restart
	c.Reset(deadline)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), f.cnt.Load())
}

func TestAlreadyExpiredFiresImmediately(t *testing.T) {
	f := &fires{}
	c := New(Options{Tick: time.Hour, OnExpire: f.onExpire})

	c.Reset(time.Now().Add(-time.Minute))
	require.Eventually(t, func() bool { return f.cnt.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, c.Remaining())
}

func TestNewDeadlineResets(t *testing.T) {
	f := &fires{}
	c := New(Options{Tick: 5 * time.Millisecond, OnExpire: f.onExpire})
	defer c.Stop()

	c.Reset(time.Now().Add(time.Hour))
	time.Sleep(20 * time.Millisecond)
	assert.Greater(t, c.Remaining(), 3000)

	second := time.Now().Add(2 * time.Second)
	c.Reset(second)
	require.Eventually(t, func() bool { return f.cnt.Load() == 1 }, 2*time.Second, time.Millisecond)
	assert.True(t, c.ExpiredAt().Equal(second))

	// a later payload starts a fresh countdown that may fire again
	c.Reset(time.Now().Add(time.Second))
	require.Eventually(t, func() bool { return f.cnt.Load() == 2 }, 2*time.Second, time.Millisecond)
}

func TestStopPreventsFire(t *testing.T) {
	f := &fires{}
	c := New(Options{Tick: 5 * time.Millisecond, OnExpire: f.onExpire})

	c.Reset(time.Now().Add(5 * time.Second))
	c.Stop()
	c.Stop()
	assert.False(t, c.Running())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), f.cnt.Load())
}
