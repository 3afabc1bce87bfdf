package consumer

import (
	"log/slog"
	"time"

	"github.com/glimte/mmate-consumer/internal/rabbitmq"
)

// Option configures a Consumer
type Option func(*config)

type config struct {
	logger         *slog.Logger
	recorder       rabbitmq.Recorder
	dialer         rabbitmq.Dialer
	connectTimeout time.Duration
	maxConcurrent  int
	policy         FailurePolicy
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithDefaultLogger uses slog.Default()
func WithDefaultLogger() Option {
	return WithLogger(slog.Default())
}

// WithRecorder sets the metrics recorder
func WithRecorder(recorder rabbitmq.Recorder) Option {
	return func(c *config) {
		c.recorder = recorder
	}
}

// WithDialer replaces the amqp091 dialer, mainly for tests
func WithDialer(dialer rabbitmq.Dialer) Option {
	return func(c *config) {
		c.dialer = dialer
	}
}

// WithConnectTimeout bounds how long Connect waits for the broker
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.connectTimeout = timeout
	}
}

// WithMaxConcurrentHandlers limits in-flight handler invocations per
// subscription. The default, 0, is unlimited.
func WithMaxConcurrentHandlers(n int) Option {
	return func(c *config) {
		c.maxConcurrent = n
	}
}

// WithFailurePolicy sets what happens to a delivery whose handler fails
func WithFailurePolicy(policy FailurePolicy) Option {
	return func(c *config) {
		c.policy = policy
	}
}
