package rabbitmq

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Drain closes every registered binding's channel concurrently and then the
// connection. If any channel fails to close, or ctx ends before they all
// have, the connection is left open and the error is returned.
func Drain(ctx context.Context, registry *Registry, conn Connection) error {
	bindings := registry.Bindings()

	var g errgroup.Group
	for _, b := range bindings {
		b := b
		g.Go(func() error {
			if err := b.Channel.Close(); err != nil {
				return &ChannelError{
					Op:        "close",
					Exchange:  b.Exchange,
					Channel:   b.Name,
					Err:       err,
					Timestamp: time.Now(),
				}
			}
			return nil
		})
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return &ConnectionError{
			Op:        "drain",
			Err:       ctx.Err(),
			Timestamp: time.Now(),
		}
	}

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return &ConnectionError{
			Op:        "close",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}
