// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package consumer

import (
	"context"
	"log/slog"

	"github.com/glimte/mmate-consumer/internal/rabbitmq"
)

// Handler receives each message body as text. payload is nil when the broker
// cancelled the consumer. ctx is cancelled once Close has drained the
// channels.
type Handler = rabbitmq.Handler

// Binding is a broker channel bound to one queue on an exchange
type Binding = rabbitmq.Binding

// FailurePolicy decides what happens when a handler fails
type FailurePolicy = rabbitmq.FailurePolicy

// ConnectionState is the lifecycle state of the broker connection
type ConnectionState = rabbitmq.ConnectionState

const (
	FailurePropagate  = rabbitmq.FailurePropagate
	FailureNackAndLog = rabbitmq.FailureNackAndLog
)

const (
	StateUninitialized = rabbitmq.StateUninitialized
	StateConnecting    = rabbitmq.StateConnecting
	StateConnected     = rabbitmq.StateConnected
	StateClosing       = rabbitmq.StateClosing
	StateClosed        = rabbitmq.StateClosed
)

var (
	ErrNotConnected          = rabbitmq.ErrNotConnected
	ErrExchangeNotFound      = rabbitmq.ErrExchangeNotFound
	ErrChannelCreationFailed = rabbitmq.ErrChannelCreationFailed
	ErrHandlerFailure        = rabbitmq.ErrHandlerFailure
)

// ParseFailurePolicy parses "propagate" or "nack"
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	return rabbitmq.ParseFailurePolicy(s)
}

// QueueName returns the queue a topic is consumed from
func QueueName(topic string) string {
	return rabbitmq.QueueName(topic)
}

// Consumer provides the main entry point: one connection, bindings created on
// demand per (exchange, channel, topic) and handlers dispatched per delivery.
type Consumer struct {
	manager    *rabbitmq.ConnectionManager
	registry   *rabbitmq.Registry
	factory    *rabbitmq.ChannelFactory
	dispatcher *rabbitmq.Dispatcher
	logger     *slog.Logger
}

// New creates a consumer for the broker at url. It does not connect.
func New(url string, options ...Option) *Consumer {
	cfg := &config{
		logger:   slog.Default(),
		recorder: rabbitmq.NoopRecorder(),
		policy:   FailurePropagate,
	}

	for _, opt := range options {
		opt(cfg)
	}

	connOpts := []rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.logger)}
	if cfg.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(cfg.dialer))
	}
	if cfg.connectTimeout > 0 {
		connOpts = append(connOpts, rabbitmq.WithConnectTimeout(cfg.connectTimeout))
	}

	manager := rabbitmq.NewConnectionManager(url, connOpts...)
	registry := rabbitmq.NewRegistry()
	factory := rabbitmq.NewChannelFactory(manager, registry,
		rabbitmq.WithFactoryLogger(cfg.logger),
		rabbitmq.WithFactoryRecorder(cfg.recorder),
	)
	dispatcher := rabbitmq.NewDispatcher(factory,
		rabbitmq.WithDispatcherLogger(cfg.logger),
		rabbitmq.WithDispatcherRecorder(cfg.recorder),
		rabbitmq.WithMaxConcurrentHandlers(cfg.maxConcurrent),
		rabbitmq.WithFailurePolicy(cfg.policy),
	)

	return &Consumer{
		manager:    manager,
		registry:   registry,
		factory:    factory,
		dispatcher: dispatcher,
		logger:     cfg.logger,
	}
}

// Connect opens the broker connection. It must be called before any channel
// operation.
func (c *Consumer) Connect(ctx context.Context) error {
	return c.manager.Connect(ctx)
}

// CreateChannel returns the binding for (exchange, channel), declaring the
// durable topic exchange and the queue for topic the first time.
func (c *Consumer) CreateChannel(ctx context.Context, exchange, channel, topic string) (*Binding, error) {
	return c.factory.CreateChannel(ctx, exchange, channel, topic)
}

// AddHandler consumes the queue of (exchange, channel) with manual
// acknowledgment. The exchange must have been created with CreateChannel.
func (c *Consumer) AddHandler(ctx context.Context, exchange, channel, topic string, handler Handler) error {
	return c.dispatcher.AddHandler(ctx, exchange, channel, topic, handler)
}

// Errors delivers handler failures when the FailurePropagate policy is in use
func (c *Consumer) Errors() <-chan error {
	return c.dispatcher.Errors()
}

// State returns the connection lifecycle state
func (c *Consumer) State() ConnectionState {
	return c.manager.State()
}

// Done is closed once Close has completed
func (c *Consumer) Done() <-chan struct{} {
	return c.manager.Done()
}

// Bindings returns every binding created so far
func (c *Consumer) Bindings() []*Binding {
	return c.registry.Bindings()
}

// Close closes all channels concurrently and then the connection, then
// cancels the handler context. Handlers still running are not waited for.
// Calling Close again is a no-op.
func (c *Consumer) Close(ctx context.Context) error {
	defer c.dispatcher.Stop()

	return c.manager.Close(func(conn rabbitmq.Connection) error {
		c.logger.Info("disconnecting")
		c.dispatcher.BeginShutdown()

		if err := rabbitmq.Drain(ctx, c.registry, conn); err != nil {
			c.logger.Error("failed to disconnect", "error", err)
			return err
		}

		c.logger.Info("disconnected")
		return nil
	})
}
