// Package disk samples per-device block I/O throughput by invoking the
// extended-iostat tool in JSON mode once per interval. It is a
// snapshot-style collector: the tool itself is told to sample for one
// interval and report the rate, rather than this collector differencing
// two reads itself.
//
// It follows the shell-out pattern the benchmark runner already
// established for likwid-bench: a Runner func so tests substitute a fake,
// and a hard timeout (the sampling interval plus a fixed margin) so a hung
// external tool becomes source-unavailable rather than a stuck collector.
package disk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/megware/xbatd/internal/collector"
	"github.com/megware/xbatd/internal/measurement"
	"github.com/megware/xbatd/internal/queue"
	"github.com/zoobzio/clockz"
)

const iostatPath = "iostat"

// commandTimeoutMargin is the headroom added on top of the sampling
// interval before a hung iostat invocation is killed.
const commandTimeoutMargin = 2 * time.Second

// Runner executes iostat over the given interval in seconds; tests
// substitute a fake.
type Runner func(ctx context.Context, intervalSeconds int) ([]byte, error)

func execRunner(ctx context.Context, intervalSeconds int) ([]byte, error) {
	return exec.CommandContext(ctx, iostatPath, "-o", "JSON", "-x", fmt.Sprintf("%d", intervalSeconds), "2").Output()
}

// Collector samples device-level disk throughput once per interval via an
// external tool invocation bracketing the whole interval.
type Collector struct {
	core  *collector.Core
	queue *queue.Queue
	run   Runner
}

// New constructs the disk I/O collector.
func New(interval time.Duration, anchor time.Time, clock clockz.Clock, logger *slog.Logger, q *queue.Queue, run Runner) *Collector {
	if run == nil {
		run = execRunner
	}
	return &Collector{core: collector.NewCore("disk", interval, anchor, clock, logger), queue: q, run: run}
}

func (c *Collector) Name() string             { return c.core.Name() }
func (c *Collector) Stop()                    { c.core.Stop() }
func (c *Collector) ForceStop()               { c.core.ForceStop() }
func (c *Collector) Status() collector.Status { return c.core.Status() }
func (c *Collector) LastHeartbeat() time.Time { return c.core.LastHeartbeat() }
func (c *Collector) Interval() time.Duration  { return c.core.Interval() }
func (c *Collector) Start()                   { c.core.Start(func(ctx context.Context) error { return c.core.RunSnapshotLoop(ctx, c.collect) }) }

// iostatDoc is the minimal shape of `iostat -o JSON` this collector reads.
type iostatDoc struct {
	Sysstat struct {
		Hosts []struct {
			Statistics []struct {
				Disk []diskStat `json:"disk"`
			} `json:"statistics"`
		} `json:"hosts"`
	} `json:"sysstat"`
}

type diskStat struct {
	DiskDevice string  `json:"disk_device"`
	ReadKBs    float64 `json:"rkB/s"`
	WriteKBs   float64 `json:"wkB/s"`
	ReadMBs    float64 `json:"rMB/s"`
	WriteMBs   float64 `json:"wMB/s"`
}

func (c *Collector) collect(ctx context.Context) error {
	intervalSeconds := int(c.core.Interval() / time.Second)
	if intervalSeconds <= 0 {
		intervalSeconds = 1
	}

	// iostat is told to sample for intervalSeconds, so the invocation itself
	// takes roughly one interval to return; the timeout needs headroom above
	// that; commandTimeoutMargin gives it one, matching the margin hwperf
	// adds on top of its own per-set sample window.
	timeout := c.core.Interval() + commandTimeoutMargin
	if timeout <= 0 {
		timeout = time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := c.run(runCtx, intervalSeconds)
	if err != nil {
		return fmt.Errorf("%w: invoking iostat: %v", collector.ErrSourceUnavailable, err)
	}

	var doc iostatDoc
	if err := json.Unmarshal(out, &doc); err != nil {
		return fmt.Errorf("disk: parsing iostat output: %w", err)
	}

	ts := c.core.IntervalEnd()
	var floats []measurement.DeviceFloat
	for _, host := range doc.Sysstat.Hosts {
		for _, stats := range host.Statistics {
			for _, d := range stats.Disk {
				if strings.Contains(d.DiskDevice, "loop") {
					continue
				}
				readBps := d.ReadKBs*1024 + d.ReadMBs*1024*1024
				writeBps := d.WriteKBs*1024 + d.WriteMBs*1024*1024
				floats = append(floats,
					measurement.DeviceFloat{Name: "disk_read_bytes", Level: measurement.LevelDevice, DeviceID: d.DiskDevice, Value: readBps, TS: ts},
					measurement.DeviceFloat{Name: "disk_write_bytes", Level: measurement.LevelDevice, DeviceID: d.DiskDevice, Value: writeBps, TS: ts},
				)
			}
		}
	}
	c.queue.PushDeviceFloatMany(floats)
	return nil
}
