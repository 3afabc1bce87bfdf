package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ConnectionState describes where a ConnectionManager is in its lifecycle
type ConnectionState int

const (
	StateUninitialized ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionManager owns the single broker connection of a consumer.
// It never reconnects: once the connection is closed the manager is done.
type ConnectionManager struct {
	url            string
	dial           Dialer
	connectTimeout time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	conn    Connection
	state   ConnectionState
	attempt *connectAttempt
	closed  chan struct{}
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithConnectTimeout bounds how long Connect waits for the dial to finish
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           DialAMQP,
		connectTimeout: 30 * time.Second,
		logger:         slog.Default(),
		closed:         make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the broker connection. The lock is not held while
// dialing; a concurrent Connect waits for the dial already in flight.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	switch cm.state {
	case StateConnected:
		cm.mu.Unlock()
		return nil
	case StateClosing, StateClosed:
		cm.mu.Unlock()
		return ErrNotConnected
	case StateConnecting:
		attempt := cm.attempt
		cm.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	attempt := &connectAttempt{done: make(chan struct{})}
	cm.attempt = attempt
	cm.state = StateConnecting
	cm.mu.Unlock()

	cm.logger.Info("connecting to broker", "url", SanitizeURL(cm.url))
	conn, err := cm.dialWithTimeout(ctx)

	cm.mu.Lock()
	err = cm.commit(conn, err)
	attempt.err = err
	cm.attempt = nil
	cm.mu.Unlock()

	close(attempt.done)
	return err
}

type connectAttempt struct {
	done chan struct{}
	err  error
}

func (cm *ConnectionManager) dialWithTimeout(ctx context.Context) (Connection, error) {
	connCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	done := make(chan result, 1)

	go func() {
		conn, err := cm.dial(cm.url)
		done <- result{conn: conn, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, &ConnectionError{
				Op:        "connect",
				URL:       SanitizeURL(cm.url),
				Err:       res.err,
				Timestamp: time.Now(),
			}
		}
		return res.conn, nil

	case <-connCtx.Done():
		// A dial that completes after we gave up must not leak its connection.
		go func() {
			if res := <-done; res.err == nil {
				_ = res.conn.Close()
			}
		}()
		err := ErrConnectionTimeout
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
}

// commit records the outcome of a dial. The caller holds cm.mu.
func (cm *ConnectionManager) commit(conn Connection, err error) error {
	if cm.state != StateConnecting {
		// Closed while dialing.
		if err == nil {
			_ = conn.Close()
		}
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       ErrNotConnected,
			Timestamp: time.Now(),
		}
	}

	if err != nil {
		cm.state = StateUninitialized
		return err
	}

	cm.conn = conn
	cm.state = StateConnected
	cm.logger.Info("connected to broker", "url", SanitizeURL(cm.url))
	return nil
}

// Connection returns the live connection
func (cm *ConnectionManager) Connection() (Connection, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.state != StateConnected || cm.conn == nil {
		return nil, ErrNotConnected
	}
	return cm.conn, nil
}

// State returns the lifecycle state
func (cm *ConnectionManager) State() ConnectionState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateConnected
}

// Close runs shutdown against the live connection and marks the manager
// closed. shutdown is responsible for closing the connection itself. Calling
// Close on a manager that is closing or closed is a no-op.
//
// The manager ends up closed even if shutdown fails; the connection is not
// handed out again.
func (cm *ConnectionManager) Close(shutdown func(Connection) error) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	switch cm.state {
	case StateClosing, StateClosed:
		return nil
	case StateUninitialized, StateConnecting:
		cm.state = StateClosed
		close(cm.closed)
		return nil
	}

	cm.state = StateClosing
	conn := cm.conn
	cm.conn = nil

	err := shutdown(conn)
	cm.state = StateClosed
	close(cm.closed)
	return err
}

// whileConnected runs fn with the manager locked if it is still connected.
// Close holds the same lock for its whole shutdown, so fn either completes
// before shutdown starts or is not run at all.
func (cm *ConnectionManager) whileConnected(fn func()) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.state != StateConnected {
		return ErrNotConnected
	}
	fn()
	return nil
}

// Done is closed once the manager reaches StateClosed
func (cm *ConnectionManager) Done() <-chan struct{} {
	return cm.closed
}
