package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// Connection errors
	ErrNotConnected      = errors.New("rabbitmq: not connected")
	ErrConnectionTimeout = errors.New("rabbitmq: connection timeout")

	// Topology errors
	ErrExchangeNotFound      = errors.New("rabbitmq: exchange not found")
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to create channel")

	// Consumer errors
	ErrHandlerFailure = errors.New("rabbitmq: message handler failed")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	Exchange  string    // Exchange the channel belongs to
	Channel   string    // Logical channel name
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on channel %s/%s: %v", e.Op, e.Exchange, e.Channel, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// TopologyError represents a failed declaration while building a binding.
// It always unwraps to ErrChannelCreationFailed as well as the broker error.
type TopologyError struct {
	Component string    // Component type (channel, exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() []error {
	return []error{ErrChannelCreationFailed, e.Err}
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// HandlerError is reported when a message handler returns an error or panics.
// The delivery it refers to has not been acknowledged.
type HandlerError struct {
	Exchange    string
	Channel     string
	Queue       string
	DeliveryTag uint64
	Err         error
	Timestamp   time.Time
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("rabbitmq handler error: delivery %d on queue %s (%s/%s): %v",
		e.DeliveryTag, e.Queue, e.Exchange, e.Channel, e.Err)
}

func (e *HandlerError) Unwrap() []error {
	return []error{ErrHandlerFailure, e.Err}
}

// SanitizeURL removes the password from a connection URL so it can be logged.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}
