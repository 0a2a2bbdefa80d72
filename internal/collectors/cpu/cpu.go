// Package cpu samples /proc/stat at the start and end of each interval and
// emits per-hardware-thread (or per-core, when SMT is disabled) usage
// percentages. It is a rate collector: it reads its source twice per
// interval and emits the delta, rather than reading once at the end like
// the snapshot-style collectors.
//
// The counter-subtraction arithmetic below follows htop's ProcessList.c
// scheme for the guest counters (guest time subtracted out of user/nice);
// iowait is excluded from both idle and the total, and reported as its own
// share of that same denominator.
package cpu

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/megware/xbatd/internal/collector"
	"github.com/megware/xbatd/internal/measurement"
	"github.com/megware/xbatd/internal/queue"
	"github.com/megware/xbatd/internal/topology"
	"github.com/zoobzio/clockz"
)

const procStatPath = "/proc/stat"

// Collector samples CPU usage once per interval, by differencing two
// /proc/stat reads.
type Collector struct {
	core  *collector.Core
	queue *queue.Queue
	topo  topology.CPU
}

// New constructs the CPU usage collector.
func New(interval time.Duration, anchor time.Time, clock clockz.Clock, logger *slog.Logger, q *queue.Queue, topo topology.CPU) *Collector {
	return &Collector{
		core:  collector.NewCore("cpu", interval, anchor, clock, logger),
		queue: q,
		topo:  topo,
	}
}

func (c *Collector) Name() string                 { return c.core.Name() }
func (c *Collector) Stop()                        { c.core.Stop() }
func (c *Collector) ForceStop()                   { c.core.ForceStop() }
func (c *Collector) Status() collector.Status     { return c.core.Status() }
func (c *Collector) LastHeartbeat() time.Time     { return c.core.LastHeartbeat() }
func (c *Collector) Interval() time.Duration      { return c.core.Interval() }
func (c *Collector) Start()                       { c.core.Start(c.run) }

func (c *Collector) run(ctx context.Context) error {
	for {
		c.core.SynchronizeInterval(ctx)
		if collector.Cancelled(ctx) {
			return nil
		}

		previous, err := readProcStat()
		if err != nil {
			return fmt.Errorf("cpu: %w", err)
		}

		c.core.SleepUntilIntervalEnd(ctx)
		if collector.Cancelled(ctx) {
			return nil
		}

		current, err := readProcStat()
		if err != nil {
			return fmt.Errorf("cpu: %w", err)
		}

		c.emit(previous, current)
		c.core.IntervalCleanup(true)
	}
}

// cpuFields is the ten whitespace-separated counters following a cpu/cpuN
// label in /proc/stat: user, nice, system, idle, iowait, irq, softirq,
// steal, guest, guest_nice.
type cpuFields [10]uint64

func readProcStat() (map[string]cpuFields, error) {
	f, err := os.Open(procStatPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", procStatPath, err)
	}
	defer f.Close()

	results := map[string]cpuFields{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "cpu") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 11 {
			continue
		}
		var values cpuFields
		ok := true
		for i := 0; i < 10; i++ {
			n, err := strconv.ParseUint(fields[i+1], 10, 64)
			if err != nil {
				ok = false
				break
			}
			values[i] = n
		}
		if ok {
			results[fields[0]] = values
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Collector) emit(previous, current map[string]cpuFields) {
	ts := c.core.IntervalEnd()
	for key, curr := range current {
		prev, ok := previous[key]
		if !ok {
			continue
		}

		var diff cpuFields
		for i := range diff {
			diff[i] = curr[i] - prev[i]
		}

		user := diff[0] - diff[8]
		nice := diff[1] - diff[9]
		idle := diff[3]
		iowait := diff[4]
		sys := diff[2] + diff[5] + diff[6]
		virt := diff[8] + diff[9]
		// total deliberately excludes iowait: idle's share of the total is the
		// raw idle counter alone, with iowait reported as its own percentage
		// of the same denominator rather than folded into idle or non-idle.
		total := float64(user) + float64(nice) + float64(idle) + float64(sys) + float64(virt) + float64(diff[7])
		if total == 0 {
			total = 1
		}

		var level measurement.Level
		var thread, core, numa, socket uint32

		if key == "cpu" {
			level = measurement.LevelNode
		} else {
			id, ok := parseHWThreadID(key)
			if !ok {
				continue
			}
			info, known := c.topo.HWThreads[id]
			if !known {
				continue
			}
			thread, core, numa, socket = id, info.Core, info.NUMA, info.Socket
			if c.topo.SMT {
				level = measurement.LevelThread
			} else {
				level = measurement.LevelCore
			}
		}

		push := func(name string, value float64) {
			c.queue.PushTopologyFloat(measurement.TopologyFloat{
				Name: name, Level: level,
				Thread: thread, Core: core, NUMA: numa, Socket: socket,
				Value: value, TS: ts,
			})
		}

		push("cpu_usage", ((total-float64(idle))/total)*100)
		push("cpu_user", (float64(user)/total)*100)
		push("cpu_system", (float64(sys)/total)*100)
		push("cpu_iowait", (float64(iowait)/total)*100)
		push("cpu_virtual", (float64(virt)/total)*100)
		push("cpu_nice", (float64(nice)/total)*100)
	}
}

// parseHWThreadID extracts N from a "cpuN" label.
func parseHWThreadID(key string) (uint32, bool) {
	if !strings.HasPrefix(key, "cpu") {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(key, "cpu"), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}
