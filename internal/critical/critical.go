// Package critical shields short filesystem sequences from termination
// signals.
//
// While any section is running, SIGINT, SIGTERM, SIGHUP and SIGQUIT are
// caught instead of acting. When the last running section finishes the
// capture is released and every signal that arrived in the meantime is
// delivered again, so the process still terminates, just not halfway through
// a temp-write/rename or a pool-to-trash move.
package critical

import (
	"os"
	"os/signal"
	"sync"
)

var (
	mu      sync.Mutex
	depth   int
	pending chan os.Signal
)

// Run executes fn with termination signals deferred. Sections may nest and
// may run concurrently; signals are re-raised once none is active.
func Run(fn func() error) error {
	enter()
	defer leave()
	return fn()
}

func enter() {
	mu.Lock()
	defer mu.Unlock()
	if depth == 0 {
		pending = make(chan os.Signal, 8)
		signal.Notify(pending, deferred...)
	}
	depth++
}

func leave() {
	mu.Lock()
	depth--
	if depth > 0 {
		mu.Unlock()
		return
	}
	ch := pending
	pending = nil
	signal.Stop(ch)
	mu.Unlock()

	for {
		select {
		case sig := <-ch:
			raise(sig)
		default:
			return
		}
	}
}

// Active reports whether a section is currently running.
func Active() bool {
	mu.Lock()
	defer mu.Unlock()
	return depth > 0
}
