package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/semaphore"
)

// Handler processes one message body. payload is nil when the broker
// cancelled the consumer and no message is attached. ctx is the dispatcher's
// base context, cancelled by Stop.
type Handler func(ctx context.Context, payload *string) error

// FailurePolicy decides what happens to a delivery whose handler failed
type FailurePolicy int

const (
	// FailurePropagate leaves the delivery unacknowledged, reports a
	// HandlerError and stops the subscription. Unacknowledged deliveries are
	// only redelivered once their channel closes.
	FailurePropagate FailurePolicy = iota
	// FailureNackAndLog logs the failure, rejects the delivery without
	// requeue and keeps consuming.
	FailureNackAndLog
)

func (p FailurePolicy) String() string {
	switch p {
	case FailurePropagate:
		return "propagate"
	case FailureNackAndLog:
		return "nack"
	default:
		return "unknown"
	}
}

// ParseFailurePolicy parses the String form of a FailurePolicy
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "", "propagate":
		return FailurePropagate, nil
	case "nack":
		return FailureNackAndLog, nil
	}
	return 0, fmt.Errorf("%w: unknown failure policy %q", ErrInvalidConfiguration, s)
}

// Dispatcher subscribes handlers to binding queues and acknowledges each
// delivery once its handler has returned.
type Dispatcher struct {
	factory       *ChannelFactory
	logger        *slog.Logger
	recorder      Recorder
	maxConcurrent int
	policy        FailurePolicy

	ctx             context.Context
	cancel          context.CancelFunc
	errs            chan error
	closing         atomic.Bool
	activeConsumers sync.Map
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithDispatcherRecorder sets the metrics recorder
func WithDispatcherRecorder(recorder Recorder) DispatcherOption {
	return func(d *Dispatcher) {
		d.recorder = recorder
	}
}

// WithMaxConcurrentHandlers bounds in-flight handler invocations per
// subscription. Zero or less means unlimited.
func WithMaxConcurrentHandlers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		d.maxConcurrent = n
	}
}

// WithFailurePolicy sets the handler failure policy
func WithFailurePolicy(policy FailurePolicy) DispatcherOption {
	return func(d *Dispatcher) {
		d.policy = policy
	}
}

// NewDispatcher creates a dispatcher on top of a channel factory
func NewDispatcher(factory *ChannelFactory, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		factory:  factory,
		logger:   slog.Default(),
		recorder: NoopRecorder(),
		policy:   FailurePropagate,
		errs:     make(chan error, 64),
	}

	for _, opt := range options {
		opt(d)
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	return d
}

// Errors reports handler failures under FailurePropagate
func (d *Dispatcher) Errors() <-chan error {
	return d.errs
}

// BeginShutdown marks the dispatcher as closing. Delivery streams that end
// afterwards are treated as a local shutdown, not a broker cancellation.
func (d *Dispatcher) BeginShutdown() {
	d.closing.Store(true)
}

// Stop cancels the context handlers run with. Call it once the channels have
// been drained.
func (d *Dispatcher) Stop() {
	d.cancel()
}

// ActiveConsumers returns the consumer tags of running subscriptions
func (d *Dispatcher) ActiveConsumers() []string {
	var tags []string
	d.activeConsumers.Range(func(key, value interface{}) bool {
		tags = append(tags, key.(string))
		return true
	})
	return tags
}

type subscription struct {
	binding *Binding
	tag     string
	ctx     context.Context
	handler Handler

	stopOnce sync.Once
	stopped  chan struct{}
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

// AddHandler subscribes handler to the queue of (exchange, channel). The
// exchange must already be known to the registry.
func (d *Dispatcher) AddHandler(ctx context.Context, exchange, channel, topic string, handler Handler) error {
	if !d.factory.Registry().HasExchange(exchange) {
		return fmt.Errorf("%w: %s", ErrExchangeNotFound, exchange)
	}

	b, err := d.factory.CreateChannel(ctx, exchange, channel, topic)
	if err != nil {
		return err
	}

	tag := fmt.Sprintf("mmate-%s-%s-%s", exchange, channel, uuid.New().String())

	deliveries, err := b.Channel.Consume(
		b.Queue,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return &ConsumerError{
			Queue:       b.Queue,
			ConsumerTag: tag,
			Op:          "subscribe",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	sub := &subscription{
		binding: b,
		tag:     tag,
		ctx:     d.ctx,
		handler: handler,
		stopped: make(chan struct{}),
	}
	d.activeConsumers.Store(tag, sub)

	go d.run(sub, deliveries)

	d.logger.Info("subscribed to queue",
		"queue", b.Queue,
		"exchange", exchange,
		"channel", channel,
		"consumerTag", tag,
	)

	return nil
}

// run reads deliveries and hands each to its own goroutine
func (d *Dispatcher) run(s *subscription, deliveries <-chan amqp.Delivery) {
	defer d.activeConsumers.Delete(s.tag)

	var sem *semaphore.Weighted
	if d.maxConcurrent > 0 {
		sem = semaphore.NewWeighted(int64(d.maxConcurrent))
	}

	for {
		select {
		case <-s.stopped:
			d.abandon(s, deliveries)
			return

		case delivery, ok := <-deliveries:
			if !ok {
				if d.closing.Load() {
					d.logger.Info("consumer stopped", "queue", s.binding.Queue)
					return
				}
				d.logger.Warn("consumer cancelled by broker", "queue", s.binding.Queue)
				d.cancelled(s)
				return
			}

			select {
			case <-s.stopped:
				d.abandon(s, deliveries)
				return
			default:
			}

			if sem != nil {
				if err := sem.Acquire(s.ctx, 1); err != nil {
					// Stopped; the delivery stays unacknowledged.
					return
				}
			}
			go func(delivery amqp.Delivery) {
				if sem != nil {
					defer sem.Release(1)
				}
				if err := d.handle(s, delivery); err != nil {
					s.stop()
				}
			}(delivery)
		}
	}
}

// handle invokes the handler for one delivery and acknowledges it on success
func (d *Dispatcher) handle(s *subscription, delivery amqp.Delivery) error {
	queue := s.binding.Queue
	d.recorder.RecordDelivery(queue, len(delivery.Body))

	payload := string(delivery.Body)
	start := time.Now()
	err := invoke(s.ctx, s.handler, &payload)
	d.recorder.RecordHandlerDuration(queue, time.Since(start))

	if err != nil {
		d.recorder.RecordHandlerFailure(queue)
		return d.fail(s, delivery, err)
	}

	if err := delivery.Ack(false); err != nil {
		d.logger.Error("failed to ack message",
			"error", err,
			"queue", queue,
			"deliveryTag", delivery.DeliveryTag)
		return nil
	}
	d.recorder.RecordAck(queue)
	return nil
}

// cancelled tells the handler its consumer went away
func (d *Dispatcher) cancelled(s *subscription) {
	err := invoke(s.ctx, s.handler, nil)
	if err == nil {
		return
	}
	d.recorder.RecordHandlerFailure(s.binding.Queue)
	if d.policy == FailureNackAndLog {
		d.logger.Error("message handler failed on consumer cancellation", "error", err, "queue", s.binding.Queue)
		return
	}
	d.report(s, 0, err)
}

func (d *Dispatcher) fail(s *subscription, delivery amqp.Delivery, err error) error {
	if d.policy == FailureNackAndLog {
		d.logger.Error("message handler failed, rejecting message",
			"error", err,
			"queue", s.binding.Queue,
			"deliveryTag", delivery.DeliveryTag)
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			d.logger.Error("failed to nack message",
				"error", nackErr,
				"originalError", err)
		}
		return nil
	}
	return d.report(s, delivery.DeliveryTag, err)
}

func (d *Dispatcher) report(s *subscription, tag uint64, err error) error {
	herr := &HandlerError{
		Exchange:    s.binding.Exchange,
		Channel:     s.binding.Name,
		Queue:       s.binding.Queue,
		DeliveryTag: tag,
		Err:         err,
		Timestamp:   time.Now(),
	}
	d.logger.Error("message handler failed", "error", err, "queue", s.binding.Queue, "deliveryTag", tag)

	select {
	case d.errs <- herr:
	default:
		d.logger.Error("handler error buffer full", "queue", s.binding.Queue)
	}
	return herr
}

// abandon cancels the broker consumer and discards what is still buffered.
// Discarded deliveries stay unacknowledged on the open channel; the broker
// redelivers them only after the channel closes.
func (d *Dispatcher) abandon(s *subscription, deliveries <-chan amqp.Delivery) {
	d.logger.Warn("stopping subscription after handler failure", "queue", s.binding.Queue, "consumerTag", s.tag)
	if err := s.binding.Channel.Cancel(s.tag, false); err != nil {
		d.logger.Error("failed to cancel consumer", "consumerTag", s.tag, "error", err)
		return
	}
	for range deliveries {
	}
}

// invoke runs the handler, turning a panic into an error
func invoke(ctx context.Context, handler Handler, payload *string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in message handler: %v", r)
		}
	}()
	return handler(ctx, payload)
}
