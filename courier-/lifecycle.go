package courier

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/courier-mta/courier/mlog"
)

// Shutdown is canceled when a graceful shutdown is initiated. Periodic
// workers should check this before starting a new operation.
var Shutdown context.Context
var ShutdownCancel func()

// Context should be used as parent by most operations. It is canceled 1
// second after the Shutdown context, aborting active operations.
var Context context.Context
var ContextCancel func()

func init() {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())
}

// ShutdownOnSignals cancels the lifecycle contexts on SIGINT/SIGTERM and
// returns the received signal so the caller can exit with it.
func ShutdownOnSignals() os.Signal {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	sig := <-sigc
	xlog.Print("shutting down, waiting max 3s for workers", mlog.Field("signal", sig))
	ShutdownCancel()
	time.Sleep(time.Second)
	ContextCancel()
	return sig
}

// Sleep for d, but return as soon as ctx is done.
//
// Used by worker loops between sweeps, so shutting down aborts the wait.
func Sleep(ctx context.Context, d time.Duration) (ctxDone bool) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return false
	case <-ctx.Done():
		return true
	}
}
