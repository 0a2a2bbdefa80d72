// Package memory parses /proc/meminfo once per interval and emits node-wide
// usage percentages and byte counts. It is a snapshot-style collector: a
// single read per interval, taken right after interval synchronization and
// stamped with the interval's end; no start/end differencing.
package memory

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
	"github.com/zoobzio/clockz"
)

const meminfoPath = "/proc/meminfo"

// meminfoPathOverride lets tests redirect readMeminfo at a fixture file.
var meminfoPathOverride = meminfoPath

// Collector samples /proc/meminfo once per interval.
type Collector struct {
	core  *collector.Core
	queue *queue.Queue
}

// New constructs the memory usage collector.
func New(interval time.Duration, anchor time.Time, clock clockz.Clock, logger *slog.Logger, q *queue.Queue) *Collector {
	return &Collector{core: collector.NewCore("memory", interval, anchor, clock, logger), queue: q}
}

func (c *Collector) Name() string             { return c.core.Name() }
func (c *Collector) Stop()                    { c.core.Stop() }
func (c *Collector) ForceStop()               { c.core.ForceStop() }
func (c *Collector) Status() collector.Status { return c.core.Status() }
func (c *Collector) LastHeartbeat() time.Time { return c.core.LastHeartbeat() }
func (c *Collector) Interval() time.Duration  { return c.core.Interval() }
func (c *Collector) Start()                   { c.core.Start(func(ctx context.Context) error { return c.core.RunSnapshotLoop(ctx, c.collect) }) }

func (c *Collector) collect(ctx context.Context) error {
	values, err := readMeminfo()
	if err != nil {
		return fmt.Errorf("memory: %w", err)
	}

	ts := c.core.IntervalEnd()
	total := values["MemTotal"]
	available := values["MemAvailable"]
	swapTotal := values["SwapTotal"]
	swapFree := values["SwapFree"]

	memUsage := 0.0
	if total != 0 {
		memUsage = (float64(total-available) / float64(total)) * 100
	}
	swapUsage := 0.0
	if swapTotal != 0 {
		swapUsage = (float64(swapTotal-swapFree) / float64(swapTotal)) * 100
	}

	c.queue.PushBasicFloatMany([]measurement.BasicFloat{
		{Name: "mem_usage", Level: measurement.LevelNode, Value: memUsage, TS: ts},
		{Name: "mem_swap_usage", Level: measurement.LevelNode, Value: swapUsage, TS: ts},
	})
	c.queue.PushBasicIntMany([]measurement.BasicInt{
		{Name: "mem_used", Level: measurement.LevelNode, Value: total - available, TS: ts},
		{Name: "mem_swap_used", Level: measurement.LevelNode, Value: swapTotal - swapFree, TS: ts},
		{Name: "mem_buffers", Level: measurement.LevelNode, Value: values["Buffers"], TS: ts},
		{Name: "mem_cached", Level: measurement.LevelNode, Value: values["Cached"], TS: ts},
	})
	return nil
}

// readMeminfo parses /proc/meminfo into a key->bytes map, converting every
// value (reported in kB, occasionally mB) to bytes.
func readMeminfo() (map[string]int64, error) {
	f, err := os.Open(meminfoPathOverride)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", meminfoPathOverride, err)
	}
	defer f.Close()

	values := map[string]int64{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := parseMeminfoLine(scanner.Text())
		if ok {
			values[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseMeminfoLine(line string) (string, int64, bool) {
	key, rest, found := strings.Cut(line, ":")
	if !found {
		return "", 0, false
	}
	key = strings.TrimSpace(key)
	rest = strings.TrimSpace(rest)

	factor := int64(1024)
	if strings.HasSuffix(rest, "mB") {
		factor *= 1024
		rest = strings.TrimSuffix(rest, "mB")
	} else {
		rest = strings.TrimSuffix(rest, "kB")
	}
	rest = strings.TrimSpace(rest)

	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return key, n * factor, true
}
