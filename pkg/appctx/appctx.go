// Package appctx provides the context of one-shot admin commands.
package appctx

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var once sync.Once
var ctx context.Context

// Context returns a context that closes on SIGINT or SIGTERM.
// Every call returns the same context.
func Context() context.Context {
	once.Do(func() {
		ctx, _ = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	})
	return ctx
}
