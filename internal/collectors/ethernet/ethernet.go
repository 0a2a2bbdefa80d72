// Package ethernet reads /proc/net/dev at the start and end of each
// interval and emits node-wide rx/tx rates aggregated across every
// interface but loopback. It is a rate collector, the same shape as the
// cpu collector.
package ethernet

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

const procNetDevPath = "/proc/net/dev"

// procNetDevPathOverride lets tests redirect readNetDev at a fixture file.
var procNetDevPathOverride = procNetDevPath

// Collector samples /proc/net/dev once per interval, by differencing two
// reads, and emits node-level rates.
type Collector struct {
	core  *collector.Core
	queue *queue.Queue
}

// New constructs the Ethernet collector.
func New(interval time.Duration, anchor time.Time, clock clockz.Clock, logger *slog.Logger, q *queue.Queue) *Collector {
	return &Collector{core: collector.NewCore("ethernet", interval, anchor, clock, logger), queue: q}
}

func (c *Collector) Name() string             { return c.core.Name() }
func (c *Collector) Stop()                    { c.core.Stop() }
func (c *Collector) ForceStop()               { c.core.ForceStop() }
func (c *Collector) Status() collector.Status { return c.core.Status() }
func (c *Collector) LastHeartbeat() time.Time { return c.core.LastHeartbeat() }
func (c *Collector) Interval() time.Duration  { return c.core.Interval() }
func (c *Collector) Start()                   { c.core.Start(c.run) }

func (c *Collector) run(ctx context.Context) error {
	for {
		c.core.SynchronizeInterval(ctx)
		if collector.Cancelled(ctx) {
			return nil
		}

		previous, err := readNetDev()
		if err != nil {
			return fmt.Errorf("ethernet: %w", err)
		}

		c.core.SleepUntilIntervalEnd(ctx)
		if collector.Cancelled(ctx) {
			return nil
		}

		current, err := readNetDev()
		if err != nil {
			return fmt.Errorf("ethernet: %w", err)
		}

		c.emit(previous, current)
		c.core.IntervalCleanup(true)
	}
}

// ifaceCounters is the subset of /proc/net/dev's sixteen fields this
// collector aggregates: rx bytes, rx packets, tx bytes, tx packets.
type ifaceCounters struct {
	rxBytes, rxPackets, txBytes, txPackets uint64
}

func readNetDev() (map[string]ifaceCounters, error) {
	f, err := os.Open(procNetDevPathOverride)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", procNetDevPathOverride, err)
	}
	defer f.Close()

	results := map[string]ifaceCounters{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		name, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue // header lines carry no colon
		}
		name = strings.TrimSpace(name)
		if name == "lo" {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 16 {
			continue
		}
		rxBytes, err1 := strconv.ParseUint(fields[0], 10, 64)
		rxPackets, err2 := strconv.ParseUint(fields[1], 10, 64)
		txBytes, err3 := strconv.ParseUint(fields[8], 10, 64)
		txPackets, err4 := strconv.ParseUint(fields[9], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			continue
		}
		results[name] = ifaceCounters{rxBytes: rxBytes, rxPackets: rxPackets, txBytes: txBytes, txPackets: txPackets}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Collector) emit(previous, current map[string]ifaceCounters) {
	seconds := c.core.Interval().Seconds()
	if seconds == 0 {
		return
	}

	var rxBytes, rxPackets, txBytes, txPackets uint64
	for name, curr := range current {
		if name == "lo" {
			continue
		}
		prev, ok := previous[name]
		if !ok {
			continue
		}
		rxBytes += curr.rxBytes - prev.rxBytes
		rxPackets += curr.rxPackets - prev.rxPackets
		txBytes += curr.txBytes - prev.txBytes
		txPackets += curr.txPackets - prev.txPackets
	}

	ts := c.core.IntervalEnd()
	c.queue.PushBasicFloatMany([]measurement.BasicFloat{
		{Name: "eth_rx_bytes", Level: measurement.LevelNode, Value: float64(rxBytes) / seconds, TS: ts},
		{Name: "eth_tx_bytes", Level: measurement.LevelNode, Value: float64(txBytes) / seconds, TS: ts},
		{Name: "eth_rx_packets", Level: measurement.LevelNode, Value: float64(rxPackets) / seconds, TS: ts},
		{Name: "eth_tx_packets", Level: measurement.LevelNode, Value: float64(txPackets) / seconds, TS: ts},
	})
}
