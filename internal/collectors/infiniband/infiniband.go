// Package infiniband reads the sysfs InfiniBand counter tree at the start
// and end of each interval and emits node-wide per-interval rx/tx deltas
// (counter differences, not divided by the interval length) aggregated
// across every device/port found. If the sysfs tree is absent, the
// collector reports source-unavailable and self-terminates cleanly; a node
// with no InfiniBand fabric is not an error condition.
package infiniband

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/megware/xbatd/internal/collector"
	"github.com/megware/xbatd/internal/measurement"
	"github.com/megware/xbatd/internal/queue"
	"github.com/zoobzio/clockz"
)

const sysClassIBDir = "/sys/class/infiniband"

// sysClassIBDirOverride lets tests redirect the counter tree root.
var sysClassIBDirOverride = sysClassIBDir

// counterUnitCorrection scales the rcv_data/xmit_data counters, which the
// fabric reports in 4-byte words rather than bytes.
const counterUnitCorrection = 4

// countersOfInterest are the four sysfs counter files this collector reads
// per port.
var countersOfInterest = []string{"port_rcv_data", "port_rcv_packets", "port_xmit_data", "port_xmit_packets"}

// Collector samples InfiniBand port counters once per interval, by
// differencing two reads.
type Collector struct {
	core  *collector.Core
	queue *queue.Queue
}

// New constructs the InfiniBand collector.
func New(interval time.Duration, anchor time.Time, clock clockz.Clock, logger *slog.Logger, q *queue.Queue) *Collector {
	return &Collector{core: collector.NewCore("infiniband", interval, anchor, clock, logger), queue: q}
}

func (c *Collector) Name() string             { return c.core.Name() }
func (c *Collector) Stop()                    { c.core.Stop() }
func (c *Collector) ForceStop()               { c.core.ForceStop() }
func (c *Collector) Status() collector.Status { return c.core.Status() }
func (c *Collector) LastHeartbeat() time.Time { return c.core.LastHeartbeat() }
func (c *Collector) Interval() time.Duration  { return c.core.Interval() }
func (c *Collector) Start()                   { c.core.Start(c.run) }

func (c *Collector) run(ctx context.Context) error {
	ports, err := discoverPorts()
	if err != nil {
		return fmt.Errorf("%w: %v", collector.ErrSourceUnavailable, err)
	}
	if len(ports) == 0 {
		return fmt.Errorf("%w: no infiniband devices present", collector.ErrSourceUnavailable)
	}

	for {
		c.core.SynchronizeInterval(ctx)
		if collector.Cancelled(ctx) {
			return nil
		}

		previous, err := readCounters(ports)
		if err != nil {
			return fmt.Errorf("infiniband: %w", err)
		}

		c.core.SleepUntilIntervalEnd(ctx)
		if collector.Cancelled(ctx) {
			return nil
		}

		current, err := readCounters(ports)
		if err != nil {
			return fmt.Errorf("infiniband: %w", err)
		}

		c.emit(previous, current)
		c.core.IntervalCleanup(true)
	}
}

// discoverPorts enumerates every <device>/ports/<n> directory under the
// InfiniBand class tree.
func discoverPorts() ([]string, error) {
	devices, err := os.ReadDir(sysClassIBDirOverride)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ports []string
	for _, dev := range devices {
		portsDir := filepath.Join(sysClassIBDirOverride, dev.Name(), "ports")
		entries, err := os.ReadDir(portsDir)
		if err != nil {
			continue
		}
		for _, p := range entries {
			ports = append(ports, filepath.Join(portsDir, p.Name()))
		}
	}
	return ports, nil
}

func readCounters(ports []string) (map[string]uint64, error) {
	totals := map[string]uint64{}
	for _, port := range ports {
		for _, counter := range countersOfInterest {
			path := filepath.Join(port, "counters", counter)
			data, err := os.ReadFile(path)
			if err != nil {
				continue // a single missing counter file is tolerated; not every HCA exposes all four
			}
			n, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
			if err != nil {
				continue
			}
			totals[counter] += n
		}
	}
	return totals, nil
}

func (c *Collector) emit(previous, current map[string]uint64) {
	ts := c.core.IntervalEnd()

	rcvData := (current["port_rcv_data"] - previous["port_rcv_data"]) * counterUnitCorrection
	xmitData := (current["port_xmit_data"] - previous["port_xmit_data"]) * counterUnitCorrection
	rcvPackets := current["port_rcv_packets"] - previous["port_rcv_packets"]
	xmitPackets := current["port_xmit_packets"] - previous["port_xmit_packets"]

	c.queue.PushBasicIntMany([]measurement.BasicInt{
		{Name: "ib_rcv_data", Level: measurement.LevelNode, Value: int64(rcvData), TS: ts},
		{Name: "ib_xmit_data", Level: measurement.LevelNode, Value: int64(xmitData), TS: ts},
		{Name: "ib_rcv_packets", Level: measurement.LevelNode, Value: int64(rcvPackets), TS: ts},
		{Name: "ib_xmit_packets", Level: measurement.LevelNode, Value: int64(xmitPackets), TS: ts},
	})
}
