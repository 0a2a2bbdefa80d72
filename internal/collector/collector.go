// Package collector provides the shared lifecycle, interval synchronization,
// heartbeat, and cooperative-termination machinery every measurement source
// embeds: a single Collector interface, and a concrete Core struct every
// collector holds that does the interval math.
package collector

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// Status is the running state plus the three mutually-exclusive ways a
// collector's worker can have ended.
type Status int

const (
	StatusRunning Status = iota
	StatusGracefullyTerminated
	StatusForcefullyTerminated
	StatusSelfTerminated
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusGracefullyTerminated:
		return "gracefully_terminated"
	case StatusForcefullyTerminated:
		return "forcefully_terminated"
	case StatusSelfTerminated:
		return "self_terminated"
	default:
		return "unknown"
	}
}

// ErrSourceUnavailable is returned by a collect step when its hardware, tool,
// or SDK is simply absent on this host. The base loop treats it exactly like
// any other collect error (self-terminate); the distinction matters only
// for what the collector logs, not for how the engine reacts.
var ErrSourceUnavailable = errors.New("collector: source unavailable")

// Collector is the single interface every measurement source implements.
type Collector interface {
	Name() string
	Start()
	Stop()
	ForceStop()
	Status() Status
	LastHeartbeat() time.Time
	Interval() time.Duration
}

// RunFunc is a collector's worker body. It must return promptly once ctx is
// done, and must return a non-nil error only when it cannot make further
// progress (source unavailable, unrecoverable parse error, ...).
type RunFunc func(ctx context.Context) error

// Core implements interval synchronization, heartbeat tracking, and the
// start/stop/force-stop/status protocol. Every collector embeds one.
type Core struct {
	clock  clockz.Clock
	logger *slog.Logger

	name     string
	interval time.Duration

	mu            sync.Mutex
	intervalStart time.Time
	intervalEnd   time.Time
	timeLeft      time.Duration
	lastHeartbeat time.Time
	status        Status
	generation    uint64
	cancel        context.CancelFunc
}

// NewCore constructs the collector base. anchor is the nominal start of the
// very first interval (the job's start time, shared by every collector on
// every node so intervals line up across the cluster).
func NewCore(name string, interval time.Duration, anchor time.Time, clock clockz.Clock, logger *slog.Logger) *Core {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Core{
		clock:         clock,
		logger:        logger.With("module", name),
		name:          name,
		interval:      interval,
		intervalStart: anchor,
		status:        StatusGracefullyTerminated,
	}
}

// Name returns the module name used for log tagging.
func (c *Core) Name() string { return c.name }

// Interval returns the configured sampling period.
func (c *Core) Interval() time.Duration { return c.interval }

// LastHeartbeat returns the timestamp of the last successfully completed
// interval.
func (c *Core) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// Status returns the current termination state.
func (c *Core) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Start launches run in a fresh worker goroutine. Calling Start again on a
// previously (force-)stopped collector revives it; a previously forcefully
// terminated worker that is still running in the background (force_stop
// never joins it) is simply abandoned; its eventual completion is
// discarded because it belongs to a superseded generation.
func (c *Core) Start(run RunFunc) {
	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.status = StatusRunning
	c.lastHeartbeat = c.clock.Now()
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	go func() {
		err := run(ctx)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.generation != gen {
			// Superseded by ForceStop (or a later Start); this goroutine's
			// result no longer describes the collector's current instance.
			return
		}
		switch {
		case err == nil:
			c.status = StatusGracefullyTerminated
		case errors.Is(err, context.Canceled):
			c.status = StatusGracefullyTerminated
		default:
			c.status = StatusSelfTerminated
			c.logger.Error("collector self-terminated", "error", err)
		}
	}()
}

// Stop sets the cooperative-termination flag. Idempotent: cancelling an
// already-cancelled context is a no-op, so repeated calls are safe.
func (c *Core) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ForceStop detaches the worker without joining it: a hung syscall or
// blocked vendor SDK call cannot be safely interrupted without killing the
// whole process, so the goroutine is simply abandoned (and will leak until
// process exit if it never returns). The collector is marked forcefully
// terminated and bumped to a new generation so a stray completion from the
// abandoned goroutine cannot clobber a later revival's status.
func (c *Core) ForceStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger.Error("forcefully stopping hung collector")
	c.generation++
	c.status = StatusForcefullyTerminated
}

// SynchronizeInterval advances intervalEnd/timeLeft, skipping whole
// intervals when behind schedule and napping off any excess when running
// early, then anchors the next iteration's intervalStart. Steady-state
// intervals stay aligned to the original anchor, so collectors line up
// across the node and across nodes sharing a job start time.
func (c *Core) SynchronizeInterval(ctx context.Context) {
	c.mu.Lock()
	intervalEnd := c.intervalStart.Add(c.interval)
	minimum := c.interval / 4
	now := c.clock.Now()
	remaining := intervalEnd.Sub(now)
	timeLeft := remaining

	if remaining < minimum {
		catchup := remaining
		if catchup < 0 {
			catchup = -catchup
		}
		remainder := catchup % c.interval
		intervalEnd = intervalEnd.Add(catchup - remainder + c.interval)
		timeLeft = intervalEnd.Sub(c.clock.Now())
	}
	c.intervalEnd = intervalEnd
	c.timeLeft = timeLeft
	c.mu.Unlock()

	if timeLeft > c.interval {
		sleepLeft := timeLeft - c.interval
		c.mu.Lock()
		c.timeLeft = c.interval
		c.mu.Unlock()
		c.SleepAndCheck(ctx, sleepLeft)
	}

	c.mu.Lock()
	c.intervalStart = c.intervalEnd.Add(c.interval)
	c.mu.Unlock()
}

// sleepSlice bounds how long a single nap waits before re-checking
// cancellation.
const sleepSlice = time.Second

// SleepAndCheck sleeps for d, in slices no larger than one second, returning
// early if ctx is cancelled.
func (c *Core) SleepAndCheck(ctx context.Context, d time.Duration) {
	for d > 0 {
		nap := d
		if nap > sleepSlice {
			nap = sleepSlice
		}
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(nap):
		}
		d -= nap
	}
}

// SleepUntilIntervalEnd naps until intervalEnd, observing cancellation.
func (c *Core) SleepUntilIntervalEnd(ctx context.Context) {
	c.mu.Lock()
	remaining := c.intervalEnd.Sub(c.clock.Now())
	c.mu.Unlock()
	if remaining <= 0 {
		return
	}
	c.SleepAndCheck(ctx, remaining)
}

// TimeLeft returns the time budget computed by the last SynchronizeInterval.
func (c *Core) TimeLeft() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeLeft
}

// IntervalEnd returns the end-of-interval time-point every record emitted
// this interval must carry as its timestamp.
func (c *Core) IntervalEnd() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intervalEnd
}

// IntervalCleanup advances intervalStart to intervalEnd (when advance is
// true) and refreshes the heartbeat so the watchdog sees this collector as
// alive. advance is false only for a collector that manages its own
// intervalEnd bookkeeping.
func (c *Core) IntervalCleanup(advance bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if advance {
		c.intervalStart = c.intervalEnd
	}
	c.lastHeartbeat = c.clock.Now()
}

// Cancelled reports whether ctx has been cancelled, i.e. Stop() was called.
func Cancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// RunSnapshotLoop implements the generic outer loop for "snapshot"
// collectors (memory, IPMI, GPU, FPGA) that call collect once per interval,
// stamped with the interval's end: synchronize, check cancellation, collect,
// sleep off the remainder, clean up. collect runs right after
// synchronization, before the sleep.
func (c *Core) RunSnapshotLoop(ctx context.Context, collect func(ctx context.Context) error) error {
	for {
		c.SynchronizeInterval(ctx)

		if Cancelled(ctx) {
			return nil
		}

		if err := collect(ctx); err != nil {
			return err
		}

		c.SleepUntilIntervalEnd(ctx)
		c.IntervalCleanup(true)
	}
}
