// Package rabbitmq implements the RabbitMQ side of the topic consumer.
//
// This package includes:
//   - ConnectionManager: Owns the single broker connection and its lifecycle
//   - Registry: In-memory record of bindings per exchange
//   - ChannelFactory: Idempotently declares exchange, queue and binding per logical channel
//   - Dispatcher: Runs handlers for deliveries and acknowledges them
//   - Drain: Closes all channels concurrently, then the connection
//
// There is deliberately no reconnection, prefetch, retry or dead-lettering.
// Deliveries on one queue are handled concurrently unless a handler limit is
// configured, so acknowledgments may complete out of delivery order.
package rabbitmq
