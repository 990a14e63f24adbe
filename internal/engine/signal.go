package engine

import (
	"log"
	"os"
	"os/signal"
	"syscall"
)

// WatchSignals installs a SIGINT handler that calls Stop, the same
// init-a-goroutine-on-a-channel shape client/signal.go uses for its
// SIGUSR1 SNMP dump, adapted to a stop flag instead of a stats dump since
// spec.md §5 specifies SIGINT as the abort trigger rather than a stats
// signal. Call once per process; it returns a function to stop watching
// (cmd/kangaroo defers it around a solve; -check installs no handler).
func (e *Engine) WatchSignals() (cancelWatch func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-ch:
			log.Printf("[engine] received %v, stopping", sig)
			e.Stop()
		case <-done:
		}
	}()

	return func() {
		close(done)
		signal.Stop(ch)
	}
}
