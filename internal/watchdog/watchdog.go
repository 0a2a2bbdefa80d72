// Package watchdog detects hung collectors by heartbeat age and revives
// forcefully terminated ones on the following tick: a fixed-interval poll
// over every registered collector's status and heartbeat, with force-stop
// and revive actions driven purely off the observed Status, never off any
// knowledge of what a collector actually does.
package watchdog

import (
	"context"
	"log/slog"
	"time"

	"github.com/megware/xbatd/internal/collector"
	"github.com/zoobzio/clockz"
)

// Tick is how often the watchdog re-evaluates every collector.
const Tick = 3 * time.Second

// Entry pairs a collector with the function that (re)starts it, since
// reviving a forcefully-terminated collector means calling Start again with
// its original worker body, something the Collector interface alone
// doesn't expose.
type Entry struct {
	Collector collector.Collector
	Revive    func()
}

// Watchdog periodically scans a fixed set of collectors.
type Watchdog struct {
	entries []Entry
	clock   clockz.Clock
	logger  *slog.Logger
}

// New constructs a Watchdog over entries. The set of collectors is fixed
// for the life of the watchdog.
func New(entries []Entry, clock clockz.Clock, logger *slog.Logger) *Watchdog {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Watchdog{entries: entries, clock: clock, logger: logger.With("module", "watchdog")}
}

// Run ticks every Tick until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.clock.After(Tick):
		}
		w.sweep()
	}
}

func (w *Watchdog) sweep() {
	now := w.clock.Now()
	for _, e := range w.entries {
		status := e.Collector.Status()
		switch status {
		case collector.StatusRunning:
			timedOut := now.Sub(e.Collector.LastHeartbeat()) > 2*e.Collector.Interval()
			if timedOut {
				w.logger.Error("collector heartbeat timed out, forcing stop",
					"collector", e.Collector.Name(),
					"last_heartbeat", e.Collector.LastHeartbeat())
				e.Collector.ForceStop()
			}
		case collector.StatusForcefullyTerminated:
			w.logger.Warn("reviving forcefully terminated collector", "collector", e.Collector.Name())
			e.Revive()
		case collector.StatusSelfTerminated, collector.StatusGracefullyTerminated:
			// Left alone: self-termination means retries are wasteful, and
			// graceful termination was on purpose.
		}
	}
}
