// Package queue implements the schema-partitioned measurement buffer that
// sits between collectors and the database writer.
//
// A single mutex, a single condition variable, six segregated FIFO
// sequences (one per measurement family/value type pair), and an atomic
// drain-all used by the writer. The write rate is
// modest (a few thousand records per interval, intervals measured in
// seconds) so a single lock dominates any lock-free alternative in
// simplicity without costing meaningful throughput.
package queue

import (
	"sync"
	"time"

	"github.com/megware/xbatd/internal/measurement"
)

// Entries is the container a drain transfers all queued records into.
type Entries struct {
	BasicInt      []measurement.BasicInt
	BasicFloat    []measurement.BasicFloat
	DeviceInt     []measurement.DeviceInt
	DeviceFloat   []measurement.DeviceFloat
	TopologyInt   []measurement.TopologyInt
	TopologyFloat []measurement.TopologyFloat
}

// Empty reports whether e carries no records in any of the six sequences.
func (e Entries) Empty() bool {
	return len(e.BasicInt) == 0 && len(e.BasicFloat) == 0 &&
		len(e.DeviceInt) == 0 && len(e.DeviceFloat) == 0 &&
		len(e.TopologyInt) == 0 && len(e.TopologyFloat) == 0
}

// Queue is the thread-safe producer/consumer buffer shared by every
// collector (producers) and the writer (the sole consumer).
type Queue struct {
	mu        sync.Mutex
	available *sync.Cond
	entries   Entries
}

// New returns an empty Queue ready for use.
func New() *Queue {
	q := &Queue{}
	q.available = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) isEmpty() bool {
	return q.entries.Empty()
}

// PushBasicInt appends a single BasicInt record.
func (q *Queue) PushBasicInt(r measurement.BasicInt) { q.PushBasicIntMany([]measurement.BasicInt{r}) }

// PushBasicIntMany appends many BasicInt records in one critical section.
func (q *Queue) PushBasicIntMany(rs []measurement.BasicInt) {
	if len(rs) == 0 {
		return
	}
	q.mu.Lock()
	wasEmpty := q.isEmpty()
	q.entries.BasicInt = append(q.entries.BasicInt, rs...)
	q.mu.Unlock()
	if wasEmpty {
		q.available.Signal()
	}
}

// PushBasicFloat appends a single BasicFloat record.
func (q *Queue) PushBasicFloat(r measurement.BasicFloat) {
	q.PushBasicFloatMany([]measurement.BasicFloat{r})
}

// PushBasicFloatMany appends many BasicFloat records in one critical section.
func (q *Queue) PushBasicFloatMany(rs []measurement.BasicFloat) {
	if len(rs) == 0 {
		return
	}
	q.mu.Lock()
	wasEmpty := q.isEmpty()
	q.entries.BasicFloat = append(q.entries.BasicFloat, rs...)
	q.mu.Unlock()
	if wasEmpty {
		q.available.Signal()
	}
}

// PushDeviceInt appends a single DeviceInt record.
func (q *Queue) PushDeviceInt(r measurement.DeviceInt) {
	q.PushDeviceIntMany([]measurement.DeviceInt{r})
}

// PushDeviceIntMany appends many DeviceInt records in one critical section.
func (q *Queue) PushDeviceIntMany(rs []measurement.DeviceInt) {
	if len(rs) == 0 {
		return
	}
	q.mu.Lock()
	wasEmpty := q.isEmpty()
	q.entries.DeviceInt = append(q.entries.DeviceInt, rs...)
	q.mu.Unlock()
	if wasEmpty {
		q.available.Signal()
	}
}

// PushDeviceFloat appends a single DeviceFloat record.
func (q *Queue) PushDeviceFloat(r measurement.DeviceFloat) {
	q.PushDeviceFloatMany([]measurement.DeviceFloat{r})
}

// PushDeviceFloatMany appends many DeviceFloat records in one critical section.
func (q *Queue) PushDeviceFloatMany(rs []measurement.DeviceFloat) {
	if len(rs) == 0 {
		return
	}
	q.mu.Lock()
	wasEmpty := q.isEmpty()
	q.entries.DeviceFloat = append(q.entries.DeviceFloat, rs...)
	q.mu.Unlock()
	if wasEmpty {
		q.available.Signal()
	}
}

// PushTopologyInt appends a single TopologyInt record.
func (q *Queue) PushTopologyInt(r measurement.TopologyInt) {
	q.PushTopologyIntMany([]measurement.TopologyInt{r})
}

// PushTopologyIntMany appends many TopologyInt records in one critical section.
func (q *Queue) PushTopologyIntMany(rs []measurement.TopologyInt) {
	if len(rs) == 0 {
		return
	}
	q.mu.Lock()
	wasEmpty := q.isEmpty()
	q.entries.TopologyInt = append(q.entries.TopologyInt, rs...)
	q.mu.Unlock()
	if wasEmpty {
		q.available.Signal()
	}
}

// PushTopologyFloat appends a single TopologyFloat record.
func (q *Queue) PushTopologyFloat(r measurement.TopologyFloat) {
	q.PushTopologyFloatMany([]measurement.TopologyFloat{r})
}

// PushTopologyFloatMany appends many TopologyFloat records in one critical section.
func (q *Queue) PushTopologyFloatMany(rs []measurement.TopologyFloat) {
	if len(rs) == 0 {
		return
	}
	q.mu.Lock()
	wasEmpty := q.isEmpty()
	q.entries.TopologyFloat = append(q.entries.TopologyFloat, rs...)
	q.mu.Unlock()
	if wasEmpty {
		q.available.Signal()
	}
}

// DrainAll atomically transfers every queued record to the caller, clearing
// the internal state. If the queue is empty it waits up to timeout for a
// push to arrive (timeout == 0 waits indefinitely); ok is false if the wait
// timed out without data arriving.
func (q *Queue) DrainAll(timeout time.Duration) (entries Entries, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.isEmpty() {
		if !q.waitLocked(timeout) {
			return Entries{}, false
		}
	}

	entries = q.entries
	q.entries = Entries{}
	return entries, true
}

// TryDrainAll atomically transfers every queued record without waiting at
// all; ok is false if the queue was empty. The writer uses this after its
// fixed poll sleep so a drain attempt never itself becomes a cancellation
// blind spot, unlike DrainAll(0)'s indefinite wait.
func (q *Queue) TryDrainAll() (entries Entries, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isEmpty() {
		return Entries{}, false
	}
	entries = q.entries
	q.entries = Entries{}
	return entries, true
}

// waitLocked blocks on the condition variable with q.mu held, emulating a
// condition-variable timed wait (the stdlib sync.Cond has no native timeout
// variant). It returns false if the deadline passed without data arriving.
func (q *Queue) waitLocked(timeout time.Duration) bool {
	if timeout <= 0 {
		for q.isEmpty() {
			q.available.Wait()
		}
		return true
	}

	deadline := time.Now().Add(timeout)
	for q.isEmpty() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		nap := remaining
		if nap > 250*time.Millisecond {
			nap = 250 * time.Millisecond
		}
		// Wait() has no timeout parameter, so wake ourselves periodically
		// to re-check the deadline alongside genuine push notifications.
		timer := time.AfterFunc(nap, func() { q.available.Broadcast() })
		q.available.Wait()
		timer.Stop()
	}
	return true
}

// DropAll discards all queued records without transferring them anywhere.
// Used on a fatal writer error to avoid unbounded growth during shutdown.
func (q *Queue) DropAll() {
	q.mu.Lock()
	q.entries = Entries{}
	q.mu.Unlock()
}

// HasData is a non-blocking, observation-only check.
func (q *Queue) HasData() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.isEmpty()
}
