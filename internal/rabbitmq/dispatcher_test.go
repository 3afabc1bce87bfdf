package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func newTestDispatcher(t *testing.T, options ...DispatcherOption) (*Dispatcher, *fakeConnection) {
	t.Helper()
	conn := &fakeConnection{}
	d := NewDispatcher(newTestFactory(conn), options...)
	_, err := d.factory.CreateChannel(context.Background(), "orders", "svc1", "order.created")
	require.NoError(t, err)
	return d, conn
}

func delivery(tag uint64, body string, ack amqp.Acknowledger) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: []byte(body)}
}

// ackRecorder expects acks for tags and reports them in completion order
func ackRecorder(tags ...uint64) (*mockDeliveryAcknowledger, chan uint64) {
	acked := make(chan uint64, len(tags))
	ack := &mockDeliveryAcknowledger{}
	for _, tag := range tags {
		ack.On("Ack", tag, false).Return(nil).Once().Run(func(args mock.Arguments) {
			acked <- args.Get(0).(uint64)
		})
	}
	return ack, acked
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatal("timed out waiting")
	}
	var zero T
	return zero
}

func TestDispatcher(t *testing.T) {
	ctx := context.Background()

	t.Run("NewDispatcher creates with defaults", func(t *testing.T) {
		d := NewDispatcher(&ChannelFactory{})
		assert.Equal(t, FailurePropagate, d.policy)
		assert.Equal(t, 0, d.maxConcurrent)
		assert.NotNil(t, d.logger)
		assert.NotNil(t, d.recorder)
		assert.Empty(t, d.ActiveConsumers())
	})

	t.Run("unknown exchange fails without broker calls", func(t *testing.T) {
		conn := &fakeConnection{}
		d := NewDispatcher(newTestFactory(conn))

		err := d.AddHandler(ctx, "orders", "svc1", "order.created", func(context.Context, *string) error { return nil })
		assert.ErrorIs(t, err, ErrExchangeNotFound)
		assert.Equal(t, 0, conn.channelCount())
	})

	t.Run("delivers the body and acks once", func(t *testing.T) {
		d, conn := newTestDispatcher(t)

		payloads := make(chan string, 1)
		err := d.AddHandler(ctx, "orders", "svc1", "order.created", func(_ context.Context, payload *string) error {
			payloads <- *payload
			return nil
		})
		require.NoError(t, err)

		ch := conn.channels[0]
		assert.Equal(t, "basic.consume", ch.opsSnapshot()[3])
		assert.Len(t, d.ActiveConsumers(), 1)

		ack, acked := ackRecorder(1)
		ch.deliveries <- delivery(1, "hello", ack)

		assert.Equal(t, "hello", receive(t, payloads))
		assert.Equal(t, uint64(1), receive(t, acked))
		ack.AssertNumberOfCalls(t, "Ack", 1)
	})

	t.Run("consumes the queue of the existing binding", func(t *testing.T) {
		d, conn := newTestDispatcher(t)

		err := d.AddHandler(ctx, "orders", "svc1", "order.other", func(context.Context, *string) error { return nil })
		require.NoError(t, err)

		assert.Equal(t, 1, conn.channelCount())
		assert.Len(t, conn.channels[0].consumers, 1)
	})

	t.Run("slow handler does not hold back later deliveries", func(t *testing.T) {
		d, conn := newTestDispatcher(t)

		release := make(chan struct{})
		err := d.AddHandler(ctx, "orders", "svc1", "order.created", func(_ context.Context, payload *string) error {
			if *payload == "slow" {
				<-release
			}
			return nil
		})
		require.NoError(t, err)

		ack, acked := ackRecorder(1, 2)
		ch := conn.channels[0]
		ch.deliveries <- delivery(1, "slow", ack)
		ch.deliveries <- delivery(2, "fast", ack)

		assert.Equal(t, uint64(2), receive(t, acked), "second delivery is acked first")
		close(release)
		assert.Equal(t, uint64(1), receive(t, acked))
	})

	t.Run("handler limit of one serializes deliveries", func(t *testing.T) {
		d, conn := newTestDispatcher(t, WithMaxConcurrentHandlers(1))

		var mu sync.Mutex
		running, maxRunning := 0, 0
		err := d.AddHandler(ctx, "orders", "svc1", "order.created", func(_ context.Context, payload *string) error {
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)

		ack, acked := ackRecorder(1, 2, 3)
		ch := conn.channels[0]
		for tag := uint64(1); tag <= 3; tag++ {
			ch.deliveries <- delivery(tag, "m", ack)
		}

		for want := uint64(1); want <= 3; want++ {
			assert.Equal(t, want, receive(t, acked))
		}
		mu.Lock()
		assert.Equal(t, 1, maxRunning)
		mu.Unlock()
	})

	t.Run("propagate policy reports and stops without ack", func(t *testing.T) {
		d, conn := newTestDispatcher(t)

		boom := errors.New("boom")
		err := d.AddHandler(ctx, "orders", "svc1", "order.created", func(context.Context, *string) error {
			return boom
		})
		require.NoError(t, err)

		ack := &mockDeliveryAcknowledger{}
		conn.channels[0].deliveries <- delivery(7, "bad", ack)

		got := receive(t, d.Errors())
		assert.ErrorIs(t, got, ErrHandlerFailure)
		assert.ErrorIs(t, got, boom)
		var herr *HandlerError
		require.ErrorAs(t, got, &herr)
		assert.Equal(t, uint64(7), herr.DeliveryTag)
		assert.Equal(t, "order_created", herr.Queue)

		assert.Eventually(t, func() bool {
			return len(d.ActiveConsumers()) == 0
		}, waitFor, 5*time.Millisecond)
		assert.Contains(t, conn.channels[0].opsSnapshot(), "basic.cancel")
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
		ack.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("abandoned deliveries stay unsettled on the open channel", func(t *testing.T) {
		d, conn := newTestDispatcher(t)

		err := d.AddHandler(ctx, "orders", "svc1", "order.created", func(context.Context, *string) error {
			return errors.New("boom")
		})
		require.NoError(t, err)

		ack := &mockDeliveryAcknowledger{}
		for tag := uint64(1); tag <= 3; tag++ {
			conn.channels[0].deliveries <- delivery(tag, "bad", ack)
		}
		receive(t, d.Errors())

		assert.Eventually(t, func() bool {
			return len(d.ActiveConsumers()) == 0
		}, waitFor, 5*time.Millisecond)
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
		ack.AssertNotCalled(t, "Nack", mock.Anything, mock.Anything, mock.Anything)
		ack.AssertNotCalled(t, "Reject", mock.Anything, mock.Anything)
		assert.Equal(t, 0, conn.channels[0].closeCount())
	})

	t.Run("panics are reported as handler failures", func(t *testing.T) {
		d, conn := newTestDispatcher(t)

		err := d.AddHandler(ctx, "orders", "svc1", "order.created", func(context.Context, *string) error {
			panic("kaboom")
		})
		require.NoError(t, err)

		ack := &mockDeliveryAcknowledger{}
		conn.channels[0].deliveries <- delivery(1, "x", ack)

		got := receive(t, d.Errors())
		assert.ErrorIs(t, got, ErrHandlerFailure)
		assert.Contains(t, got.Error(), "kaboom")
		ack.AssertNotCalled(t, "Ack", mock.Anything, mock.Anything)
	})

	t.Run("nack policy rejects and keeps consuming", func(t *testing.T) {
		d, conn := newTestDispatcher(t, WithFailurePolicy(FailureNackAndLog))

		err := d.AddHandler(ctx, "orders", "svc1", "order.created", func(_ context.Context, payload *string) error {
			if *payload == "bad" {
				return errors.New("bad payload")
			}
			return nil
		})
		require.NoError(t, err)

		nacked := make(chan uint64, 1)
		ack, acked := ackRecorder(2)
		ack.On("Nack", uint64(1), false, false).Return(nil).Once().Run(func(args mock.Arguments) {
			nacked <- args.Get(0).(uint64)
		})

		ch := conn.channels[0]
		ch.deliveries <- delivery(1, "bad", ack)
		assert.Equal(t, uint64(1), receive(t, nacked))

		ch.deliveries <- delivery(2, "good", ack)
		assert.Equal(t, uint64(2), receive(t, acked))

		select {
		case err := <-d.Errors():
			t.Fatalf("unexpected reported error: %v", err)
		default:
		}
		ack.AssertExpectations(t)
	})

	t.Run("broker cancellation invokes the handler with nil", func(t *testing.T) {
		d, conn := newTestDispatcher(t)

		payloads := make(chan *string, 1)
		err := d.AddHandler(ctx, "orders", "svc1", "order.created", func(_ context.Context, payload *string) error {
			payloads <- payload
			return nil
		})
		require.NoError(t, err)

		conn.channels[0].cancelByBroker()
		assert.Nil(t, receive(t, payloads))
	})

	t.Run("local shutdown does not invoke the handler", func(t *testing.T) {
		d, conn := newTestDispatcher(t)

		called := make(chan struct{}, 1)
		err := d.AddHandler(ctx, "orders", "svc1", "order.created", func(context.Context, *string) error {
			called <- struct{}{}
			return nil
		})
		require.NoError(t, err)

		d.BeginShutdown()
		require.NoError(t, conn.channels[0].Close())

		assert.Eventually(t, func() bool {
			return len(d.ActiveConsumers()) == 0
		}, waitFor, 5*time.Millisecond)
		assert.Empty(t, called)
	})

	t.Run("Stop cancels the handler context", func(t *testing.T) {
		d, conn := newTestDispatcher(t)

		started := make(chan struct{})
		done := make(chan error, 1)
		err := d.AddHandler(ctx, "orders", "svc1", "order.created", func(hctx context.Context, _ *string) error {
			close(started)
			<-hctx.Done()
			done <- hctx.Err()
			return nil
		})
		require.NoError(t, err)

		ack, acked := ackRecorder(1)
		conn.channels[0].deliveries <- delivery(1, "slow", ack)
		receive(t, started)

		d.Stop()
		assert.ErrorIs(t, receive(t, done), context.Canceled)
		assert.Equal(t, uint64(1), receive(t, acked))
	})

	t.Run("handler limit gives up waiting once stopped", func(t *testing.T) {
		d, conn := newTestDispatcher(t, WithMaxConcurrentHandlers(1))

		release := make(chan struct{})
		calls := make(chan string, 2)
		err := d.AddHandler(ctx, "orders", "svc1", "order.created", func(_ context.Context, payload *string) error {
			calls <- *payload
			<-release
			return nil
		})
		require.NoError(t, err)

		ack, _ := ackRecorder(1)
		conn.channels[0].deliveries <- delivery(1, "first", ack)
		conn.channels[0].deliveries <- delivery(2, "second", ack)
		assert.Equal(t, "first", receive(t, calls))

		d.Stop()
		assert.Eventually(t, func() bool {
			return len(d.ActiveConsumers()) == 0
		}, waitFor, 5*time.Millisecond)

		close(release)
		select {
		case payload := <-calls:
			t.Fatalf("unexpected handler call for %q", payload)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("subscribe failure is a consumer error", func(t *testing.T) {
		conn := &fakeConnection{configure: func(ch *fakeChannel) { ch.consumeErr = errors.New("access refused") }}
		d := NewDispatcher(newTestFactory(conn))
		_, err := d.factory.CreateChannel(ctx, "orders", "svc1", "order.created")
		require.NoError(t, err)

		err = d.AddHandler(ctx, "orders", "svc1", "order.created", func(context.Context, *string) error { return nil })
		var consumerErr *ConsumerError
		require.ErrorAs(t, err, &consumerErr)
		assert.Equal(t, "subscribe", consumerErr.Op)
		assert.Equal(t, "order_created", consumerErr.Queue)
	})

	t.Run("adding a handler twice subscribes twice", func(t *testing.T) {
		d, conn := newTestDispatcher(t)
		noop := func(context.Context, *string) error { return nil }

		require.NoError(t, d.AddHandler(ctx, "orders", "svc1", "order.created", noop))
		require.NoError(t, d.AddHandler(ctx, "orders", "svc1", "order.created", noop))

		assert.Len(t, conn.channels[0].consumers, 2)
		assert.Len(t, d.ActiveConsumers(), 2)
	})
}

func TestParseFailurePolicy(t *testing.T) {
	p, err := ParseFailurePolicy("")
	require.NoError(t, err)
	assert.Equal(t, FailurePropagate, p)

	p, err = ParseFailurePolicy("nack")
	require.NoError(t, err)
	assert.Equal(t, FailureNackAndLog, p)
	assert.Equal(t, "nack", p.String())

	_, err = ParseFailurePolicy("retry")
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}
