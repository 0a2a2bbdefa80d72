package collector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// advance nudges the fake clock forward once the collector goroutine has had
// a chance to register its timer, mirroring the drive pattern used by
// zoobzio/pipz's own clockz-based tests.
func advance(clock *clockz.FakeClock, d time.Duration) {
	time.Sleep(5 * time.Millisecond)
	clock.Advance(d)
	clock.BlockUntilReady()
	time.Sleep(5 * time.Millisecond)
}

// TestSteadyStateAlignment: interval 1000ms, anchor at t=0, 5
// uninterrupted iterations observe ts = 1000..5000ms.
func TestSteadyStateAlignment(t *testing.T) {
	clock := clockz.NewFakeClock()
	anchor := clock.Now()
	core := NewCore("test", time.Second, anchor, clock, testLogger())

	var mu sync.Mutex
	var observed []time.Duration
	collect := func(ctx context.Context) error {
		mu.Lock()
		observed = append(observed, core.IntervalEnd().Sub(anchor))
		mu.Unlock()
		return nil
	}

	core.Start(func(ctx context.Context) error { return core.RunSnapshotLoop(ctx, collect) })

	for i := 0; i < 5; i++ {
		advance(clock, time.Second)
	}
	core.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(observed) < 5 {
		t.Fatalf("expected at least 5 observed intervals, got %d: %v", len(observed), observed)
	}
	for i := 0; i < 5; i++ {
		want := time.Duration(i+1) * time.Second
		if observed[i] != want {
			t.Errorf("iteration %d: got ts=%s, want %s", i, observed[i], want)
		}
	}
}

// TestOverrunSkipsWholeInterval: a slow collect() overruns into the next
// slot; the following synchronization skips that slot entirely (a whole
// interval forward) instead of compressing the next sample below the
// minimum spacing.
func TestOverrunSkipsWholeInterval(t *testing.T) {
	clock := clockz.NewFakeClock()
	anchor := clock.Now()
	core := NewCore("test", time.Second, anchor, clock, testLogger())

	var mu sync.Mutex
	var observed []time.Duration
	iteration := 0
	collect := func(ctx context.Context) error {
		mu.Lock()
		observed = append(observed, core.IntervalEnd().Sub(anchor))
		mu.Unlock()
		iteration++
		if iteration == 3 {
			// Simulate iteration 3's collect() call taking 1800ms of wall
			// time before the loop reaches its sleep-and-cleanup phase.
			clock.Advance(1800 * time.Millisecond)
		}
		return nil
	}

	core.Start(func(ctx context.Context) error { return core.RunSnapshotLoop(ctx, collect) })

	advance(clock, time.Second) // iteration 1 -> 1000ms
	advance(clock, time.Second) // iteration 2 -> 2000ms
	// iteration 3 fires here; its collect() advances the clock by 1800ms
	// itself, then SleepUntilIntervalEnd finds intervalEnd already passed.
	time.Sleep(20 * time.Millisecond)
	advance(clock, time.Second) // iteration 4 -> resynchronizes

	core.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(observed) < 4 {
		t.Fatalf("expected at least 4 observations, got %d: %v", len(observed), observed)
	}
	// Iteration 3's stamp was fixed when its interval was synchronized, so
	// it still lands on 3000; the 1800ms overrun then costs the 4000 slot,
	// and iteration 4 resynchronizes onto 5000.
	want := []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond, 3000 * time.Millisecond, 5000 * time.Millisecond}
	for i, w := range want {
		if observed[i] != w {
			t.Errorf("iteration %d: got ts=%s, want %s", i, observed[i], w)
		}
	}
}

// TestEarlyDriftSleepsOffExcess: waking up more than one interval early
// causes SynchronizeInterval to nap off the excess before the next
// collect().
func TestEarlyDriftSleepsOffExcess(t *testing.T) {
	clock := clockz.NewFakeClock()
	// An anchor 600ms in the future puts the interval's end 1600ms away:
	// the worker is waking 1600ms "early", and SynchronizeInterval should
	// nap off the 600ms excess over one interval before returning.
	anchor := clock.Now().Add(600 * time.Millisecond)
	core := NewCore("test", time.Second, anchor, clock, testLogger())

	done := make(chan struct{})
	go func() {
		core.SynchronizeInterval(context.Background())
		close(done)
	}()
	advance(clock, 400*time.Millisecond)
	select {
	case <-done:
		t.Fatal("SynchronizeInterval returned before sleeping off the excess")
	default:
	}

	advance(clock, 600*time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SynchronizeInterval never returned")
	}

	if core.TimeLeft() != time.Second {
		t.Errorf("expected timeLeft clamped to one interval, got %s", core.TimeLeft())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	clock := clockz.NewFakeClock()
	core := NewCore("test", time.Second, clock.Now(), clock, testLogger())
	core.Start(func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	core.Stop()
	core.Stop()
	core.Stop()
}

func TestSelfTerminatesOnCollectError(t *testing.T) {
	clock := clockz.NewFakeClock()
	core := NewCore("test", time.Second, clock.Now(), clock, testLogger())

	done := make(chan struct{})
	core.Start(func(ctx context.Context) error {
		err := core.RunSnapshotLoop(ctx, func(ctx context.Context) error {
			return errors.New("source unavailable")
		})
		close(done)
		return err
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector never finished")
	}
	time.Sleep(10 * time.Millisecond)
	if got := core.Status(); got != StatusSelfTerminated {
		t.Errorf("expected self-terminated, got %s", got)
	}
}

func TestForceStopDoesNotJoinAndRevivalGetsFreshGeneration(t *testing.T) {
	clock := clockz.NewFakeClock()
	core := NewCore("test", time.Second, clock.Now(), clock, testLogger())

	block := make(chan struct{})
	core.Start(func(ctx context.Context) error {
		<-block // simulate a hung syscall that never observes cancellation
		return nil
	})

	core.ForceStop()
	if got := core.Status(); got != StatusForcefullyTerminated {
		t.Fatalf("expected forcefully_terminated, got %s", got)
	}

	// Revive with a fresh worker.
	revived := make(chan struct{})
	core.Start(func(ctx context.Context) error {
		close(revived)
		<-ctx.Done()
		return nil
	})
	select {
	case <-revived:
	case <-time.After(time.Second):
		t.Fatal("revived worker never started")
	}
	if got := core.Status(); got != StatusRunning {
		t.Fatalf("expected running after revival, got %s", got)
	}

	// Now let the stale hung goroutine finish; it must not clobber the
	// revived worker's status.
	close(block)
	time.Sleep(20 * time.Millisecond)
	if got := core.Status(); got != StatusRunning {
		t.Errorf("stale goroutine completion altered status: got %s", got)
	}

	core.Stop()
}
