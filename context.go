// Package aurcoord holds the types shared across the coordinator's
// components: the package record data model and the repository directory
// descriptor. Components never share these structures directly — all
// cross-component traffic goes through internal/fabric.
package aurcoord

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// SignalContext returns a context canceled on SIGINT or SIGTERM, giving
// the supervisor a chance to drain in-flight builds. A second signal
// terminates the process immediately, for when the drain itself hangs
// (a wedged container runtime, an unresponsive upload).
func SignalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
		<-sig
		os.Exit(1)
	}()
	return ctx, cancel
}
