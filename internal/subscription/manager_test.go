package subscription

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carwash/internal/transport"
	"carwash/internal/transport/loopback"
	"carwash/pkg/topic"
)

type fixture struct {
	broker  *loopback.Broker
	conn    *transport.Connector
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	broker := loopback.NewBroker(nil)
	conn := transport.NewConnector(broker, transport.Options{
		ClientIDPrefix:  "sub_",
		ReconnectPeriod: 10 * time.Millisecond,
	})
	m, err := NewManager(conn, Options{RetainTopics: 8})
	require.NoError(t, err)

	t.Cleanup(func() {
		m.Close()
		conn.Disconnect()
		broker.Close()
	})
	return &fixture{broker: broker, conn: conn, manager: m}
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	_, err := f.conn.Connect(transport.Credentials{Token: "t"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.conn.WaitOpen(ctx))
}

func (f *fixture) publish(t *testing.T, tp, payload string) {
	t.Helper()
	require.NoError(t, f.broker.Publish(context.Background(), tp, []byte(payload)))
}

// inbox collects handler invocations
type inbox struct {
	mu   sync.Mutex
	msgs []string
}

func (b *inbox) handler(msg transport.Message) {
	b.mu.Lock()
	b.msgs = append(b.msgs, string(msg.Payload))
	b.mu.Unlock()
}

func (b *inbox) get() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.msgs...)
}

func (b *inbox) waitFor(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(b.get()) >= n }, 2*time.Second, 5*time.Millisecond)
}

func TestSubscribeBeforeOpenIsFlushed(t *testing.T) {
	f := newFixture(t)
	in := &inbox{}

	sub, err := f.manager.Subscribe(context.Background(), []string{topic.Order("O1")}, in.handler)
	require.NoError(t, err)
	require.True(t, sub.Active())
	assert.Equal(t, 1, f.manager.HandlerCount(topic.Order("O1")))

	f.connect(t)
	require.Eventually(t, func() bool {
		return f.broker.Subscribers(topic.Order("O1")) == 1
	}, time.Second, 5*time.Millisecond)

	f.publish(t, topic.Order("O1"), "hello")
	in.waitFor(t, 1)
	assert.Equal(t, []string{"hello"}, in.get())
}

func TestReferenceCountedPatterns(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	ctx := context.Background()
	tp := topic.Order("O1")

	a, b := &inbox{}, &inbox{}
	subA, err := f.manager.Subscribe(ctx, []string{tp}, a.handler)
	require.NoError(t, err)
	subB, err := f.manager.Subscribe(ctx, []string{tp}, b.handler)
	require.NoError(t, err)

	assert.Equal(t, 2, f.manager.HandlerCount(tp))
	assert.Equal(t, 2, f.manager.Len())
	assert.Equal(t, 1, f.broker.Subscribers(tp))

	f.publish(t, tp, "m1")
	a.waitFor(t, 1)
	b.waitFor(t, 1)

	subA.Unsubscribe()
	assert.Equal(t, 1, f.manager.HandlerCount(tp))
	assert.Equal(t, 1, f.broker.Subscribers(tp))

	f.publish(t, tp, "m2")
	b.waitFor(t, 2)
	assert.Equal(t, []string{"m1"}, a.get())

	subB.Unsubscribe()
	assert.Equal(t, 0, f.manager.HandlerCount(tp))
	assert.Equal(t, 0, f.manager.Len())
	assert.Equal(t, 0, f.broker.Subscribers(tp))
}

func TestNoHandlerAfterUnsubscribe(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	tp := topic.KioskPayment("K1")

	in := &inbox{}
	sub, err := f.manager.Subscribe(context.Background(), []string{tp}, in.handler)
	require.NoError(t, err)

	// a sibling keeps the broker subscription alive so messages still arrive
	sibling := &inbox{}
	_, err = f.manager.Subscribe(context.Background(), []string{tp}, sibling.handler)
	require.NoError(t, err)

	f.publish(t, tp, "before")
	in.waitFor(t, 1)

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.False(t, sub.Active())

	for i := 0; i < 10; i++ {
		f.publish(t, tp, "after")
	}
	sibling.waitFor(t, 11)
	assert.Equal(t, []string{"before"}, in.get())
}

func TestResubscribeAfterReconnect(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	tp := topic.Order("O7")

	in := &inbox{}
	_, err := f.manager.Subscribe(context.Background(), []string{tp}, in.handler)
	require.NoError(t, err)

	require.True(t, f.broker.Drop(f.conn.ClientID()))
	assert.Equal(t, 0, f.broker.Subscribers(tp))

	require.Eventually(t, func() bool {
		return f.conn.State() == transport.StateOpen && f.broker.Subscribers(tp) == 1
	}, 2*time.Second, 5*time.Millisecond)

	f.publish(t, tp, "after-reconnect")
	in.waitFor(t, 1)
	assert.Equal(t, []string{"after-reconnect"}, in.get())
}

func TestWildcardAndSingleDelivery(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	in := &inbox{}
	// both patterns match, the handler still runs once per message
	_, err := f.manager.Subscribe(context.Background(), []string{"#", topic.Order("O1"), "#"}, in.handler)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"#", topic.Order("O1")}, f.manager.Patterns())

	f.publish(t, topic.Order("O1"), "a")
	f.publish(t, topic.KioskPayment("K1"), "b")
	in.waitFor(t, 2)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, in.get())
}

func TestLatestMessage(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	tp := topic.Order("O1")

	in := &inbox{}
	_, err := f.manager.Subscribe(context.Background(), []string{tp}, in.handler)
	require.NoError(t, err)

	_, ok := f.manager.Latest(tp)
	assert.False(t, ok)

	f.publish(t, tp, "first")
	f.publish(t, tp, "second")
	in.waitFor(t, 2)

	msg, ok := f.manager.Latest(tp)
	require.True(t, ok)
	assert.Equal(t, "second", string(msg.Payload))

	// no replay to late subscribers
	late := &inbox{}
	_, err = f.manager.Subscribe(context.Background(), []string{tp}, late.handler)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, late.get())
}

func TestOrderPreservedWithinTopic(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	tp := topic.Order("O1")

	in := &inbox{}
	_, err := f.manager.Subscribe(context.Background(), []string{tp}, in.handler)
	require.NoError(t, err)

	want := []string{"1", "2", "3", "4", "5", "6"}
	for _, p := range want {
		f.publish(t, tp, p)
	}
	in.waitFor(t, len(want))
	assert.Equal(t, want, in.get())
}

func TestHandlerPanicIsContained(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	tp := topic.Order("O1")

	_, err := f.manager.Subscribe(context.Background(), []string{tp}, func(transport.Message) {
		panic("boom")
	})
	require.NoError(t, err)
	in := &inbox{}
	_, err = f.manager.Subscribe(context.Background(), []string{tp}, in.handler)
	require.NoError(t, err)

	f.publish(t, tp, "x")
	f.publish(t, tp, "y")
	in.waitFor(t, 2)
}

func TestSubscribeValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Subscribe(ctx, nil, func(transport.Message) {})
	assert.ErrorIs(t, err, topic.ErrEmptyPattern)

	_, err = f.manager.Subscribe(ctx, []string{"a/#/b"}, func(transport.Message) {})
	assert.ErrorIs(t, err, topic.ErrInvalidWildcard)

	_, err = f.manager.Subscribe(ctx, []string{"a"}, nil)
	assert.Error(t, err)

	assert.Equal(t, 0, f.manager.Len())
}

func TestClose(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	tp := topic.Order("O1")

	in := &inbox{}
	sub, err := f.manager.Subscribe(context.Background(), []string{tp}, in.handler)
	require.NoError(t, err)

	f.manager.Close()
	f.manager.Close()

	assert.False(t, sub.Active())
	assert.Equal(t, 0, f.manager.Len())
	assert.Equal(t, 0, f.broker.Subscribers(tp))

	_, err = f.manager.Subscribe(context.Background(), []string{tp}, in.handler)
	assert.ErrorIs(t, err, ErrManagerClosed)

	sub.Unsubscribe()
}

func TestFamily(t *testing.T) {
	assert.Equal(t, "order", family(topic.Order("1")))
	assert.Equal(t, "kiosk_payment", family(topic.KioskPayment("1")))
	assert.Equal(t, "other", family("misc"))
}
