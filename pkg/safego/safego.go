package safego

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Go launches a goroutine with panic recovery.
// If the goroutine panics, the panic value is logged and the goroutine exits
// cleanly instead of crashing the process.
//
// Usage:
//
//	safego.Go(logger, "historian-worker", func() {
//	    // work that might panic
//	})
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Goroutine panicked",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		fn()
	}()
}

// Loop runs fn repeatedly until ctx is cancelled, recovering from panics on
// every iteration. A panicking iteration is logged and the loop continues
// after restartWait. Used by the queue worker and the historian so that one
// bad request never takes the whole worker down.
func Loop(ctx context.Context, logger *zap.Logger, name string, restartWait time.Duration, fn func(ctx context.Context)) {
	go func() {
		for {
			if ctx.Err() != nil {
				return
			}
			runOnce(logger, name, func() { fn(ctx) })
			select {
			case <-ctx.Done():
				return
			case <-time.After(restartWait):
			}
		}
	}()
}

func runOnce(logger *zap.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Worker iteration panicked",
				zap.String("goroutine", name),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	fn()
}
