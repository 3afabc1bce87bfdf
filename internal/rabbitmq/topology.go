package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/singleflight"
)

// ExchangeKind is the exchange type every binding declares
const ExchangeKind = amqp.ExchangeTopic

// ChannelFactory materializes bindings: one broker channel, a durable topic
// exchange, and a queue bound to it by topic.
type ChannelFactory struct {
	manager  *ConnectionManager
	registry *Registry
	logger   *slog.Logger
	recorder Recorder
	inflight singleflight.Group
}

// FactoryOption configures the ChannelFactory
type FactoryOption func(*ChannelFactory)

// WithFactoryLogger sets the logger
func WithFactoryLogger(logger *slog.Logger) FactoryOption {
	return func(f *ChannelFactory) {
		f.logger = logger
	}
}

// WithFactoryRecorder sets the metrics recorder
func WithFactoryRecorder(recorder Recorder) FactoryOption {
	return func(f *ChannelFactory) {
		f.recorder = recorder
	}
}

// NewChannelFactory creates a channel factory
func NewChannelFactory(manager *ConnectionManager, registry *Registry, options ...FactoryOption) *ChannelFactory {
	f := &ChannelFactory{
		manager:  manager,
		registry: registry,
		logger:   slog.Default(),
		recorder: NoopRecorder(),
	}

	for _, opt := range options {
		opt(f)
	}

	return f
}

// Registry returns the registry bindings are stored in
func (f *ChannelFactory) Registry() *Registry {
	return f.registry
}

// CreateChannel returns the binding for (exchange, channel), creating it on
// first use. An existing binding is returned unchanged even if topic differs
// from the one it was created with.
func (f *ChannelFactory) CreateChannel(ctx context.Context, exchange, channel, topic string) (*Binding, error) {
	if _, err := f.manager.Connection(); err != nil {
		return nil, err
	}

	f.logger.Info("creating channel", "channel", channel, "exchange", exchange)

	f.registry.EnsureExchange(exchange)

	if b, ok := f.registry.Binding(exchange, channel); ok {
		return b, nil
	}

	v, err, _ := f.inflight.Do(exchange+"\x00"+channel, func() (interface{}, error) {
		// Another caller may have finished while we were waiting to enter.
		if b, ok := f.registry.Binding(exchange, channel); ok {
			return b, nil
		}
		return f.declare(ctx, exchange, channel, topic)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Binding), nil
}

func (f *ChannelFactory) declare(ctx context.Context, exchange, channel, topic string) (*Binding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := f.manager.Connection()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &TopologyError{
			Component: "channel",
			Name:      channel,
			Op:        "open",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	f.logger.Info("channel created", "channel", channel)

	queue := QueueName(topic)
	if err := declareTopology(ch, exchange, queue, topic); err != nil {
		f.release(ch, channel)
		return nil, err
	}

	b := &Binding{
		Exchange: exchange,
		Name:     channel,
		Topic:    topic,
		Queue:    queue,
		Channel:  ch,
	}
	err = f.manager.whileConnected(func() {
		f.registry.PutBinding(exchange, channel, b)
	})
	if err != nil {
		// Close started while declaring; the drain will not see this channel.
		f.release(ch, channel)
		return nil, err
	}
	f.recorder.RecordBinding(exchange)

	f.logger.Info("added routing path",
		"topic", topic,
		"exchange", exchange,
		"channel", channel,
		"queue", queue)

	return b, nil
}

// release closes a channel that was never registered
func (f *ChannelFactory) release(ch Channel, channel string) {
	if err := ch.Close(); err != nil {
		f.logger.Warn("failed to close partially created channel",
			"channel", channel,
			"error", err)
	}
}

// declareTopology declares the exchange and queue and binds them on ch
func declareTopology(ch Channel, exchange, queue, topic string) error {
	err := ch.ExchangeDeclare(
		exchange,
		ExchangeKind,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange, Op: "declare", Err: err, Timestamp: time.Now()}
	}

	_, err = ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return &TopologyError{Component: "queue", Name: queue, Op: "declare", Err: err, Timestamp: time.Now()}
	}

	err = ch.QueueBind(
		queue,
		topic, // routing pattern
		exchange,
		false, // no-wait
		nil,
	)
	if err != nil {
		return &TopologyError{Component: "binding", Name: queue + "->" + exchange, Op: "bind", Err: err, Timestamp: time.Now()}
	}

	return nil
}
