package consumer

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// RegisterShutdownHook closes c when one of signals arrives or ctx is done,
// whichever happens first. With no signals it listens for os.Interrupt and
// SIGTERM. The close is best effort: a failure is logged, never retried.
//
// The returned function unregisters the hook without closing c.
func RegisterShutdownHook(ctx context.Context, c *Consumer, signals ...os.Signal) (stop func()) {
	if len(signals) == 0 {
		signals = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)

	quit := make(chan struct{})
	var once sync.Once
	stop = func() {
		once.Do(func() {
			signal.Stop(sigCh)
			close(quit)
		})
	}

	go func() {
		select {
		case sig := <-sigCh:
			c.logger.Info("received signal, closing consumer", "signal", sig.String())
		case <-ctx.Done():
			c.logger.Info("context done, closing consumer")
		case <-quit:
			return
		}
		stop()

		if err := c.Close(context.Background()); err != nil {
			c.logger.Error("automatic close failed", "error", err)
		}
	}()

	return stop
}
