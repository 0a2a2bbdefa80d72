// Package ipmi reads the system's instantaneous power draw via an IPMI
// reader tool once per interval. It is a snapshot-style collector.
//
// A plain DCMI power-reading invocation is tried first; on failure it
// retries once with a bridged form targeted at the BMC's alternative
// satellite address (common on multi-board systems where the primary
// channel doesn't expose DCMI). A second failure self-terminates the
// collector.
package ipmi

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/megware/xbatd/internal/collector"
	"github.com/megware/xbatd/internal/measurement"
	"github.com/megware/xbatd/internal/queue"
	"github.com/zoobzio/clockz"
)

const ipmitoolPath = "ipmitool"

// bridgedTargetAddress is the alternative satellite address used for the
// bridged retry.
const bridgedTargetAddress = "0x82"

// Runner executes one ipmitool invocation; tests substitute a fake.
type Runner func(ctx context.Context, args ...string) ([]byte, error)

func execRunner(ctx context.Context, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, ipmitoolPath, args...).Output()
}

// Collector samples instantaneous system power once per interval.
type Collector struct {
	core  *collector.Core
	queue *queue.Queue
	run   Runner
}

// New constructs the IPMI power collector.
func New(interval time.Duration, anchor time.Time, clock clockz.Clock, logger *slog.Logger, q *queue.Queue, run Runner) *Collector {
	if run == nil {
		run = execRunner
	}
	return &Collector{core: collector.NewCore("ipmi", interval, anchor, clock, logger), queue: q, run: run}
}

func (c *Collector) Name() string             { return c.core.Name() }
func (c *Collector) Stop()                    { c.core.Stop() }
func (c *Collector) ForceStop()               { c.core.ForceStop() }
func (c *Collector) Status() collector.Status { return c.core.Status() }
func (c *Collector) LastHeartbeat() time.Time { return c.core.LastHeartbeat() }
func (c *Collector) Interval() time.Duration  { return c.core.Interval() }
func (c *Collector) Start()                   { c.core.Start(func(ctx context.Context) error { return c.core.RunSnapshotLoop(ctx, c.collect) }) }

// commandTimeout bounds a single ipmitool invocation; the BMC's side-channel
// can stall for tens of seconds on flaky hardware, and that must not outlast
// the sampling interval.
const commandTimeout = 5 * time.Second

func (c *Collector) collect(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	out, err := c.run(runCtx, "dcmi", "power", "reading")
	cancel()
	if err != nil {
		runCtx, cancel = context.WithTimeout(ctx, commandTimeout)
		out, err = c.run(runCtx, "-b", "0", "-t", bridgedTargetAddress, "dcmi", "power", "reading")
		cancel()
		if err != nil {
			return fmt.Errorf("%w: ipmitool dcmi power reading failed twice: %v", collector.ErrSourceUnavailable, err)
		}
	}

	watts, err := parseInstantaneousPower(out)
	if err != nil {
		return fmt.Errorf("ipmi: %w", err)
	}

	c.queue.PushBasicFloat(measurement.BasicFloat{
		Name: "ipmi_power_system", Level: measurement.LevelNode, Value: watts, TS: c.core.IntervalEnd(),
	})
	return nil
}

// parseInstantaneousPower scans ipmitool's `dcmi power reading` output for
// the "Instantaneous power reading" line, e.g.
// "    Instantaneous power reading:                   412 Watts".
func parseInstantaneousPower(out []byte) (float64, error) {
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "Instantaneous power reading") {
			continue
		}
		_, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		n, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			continue
		}
		return n, nil
	}
	return 0, fmt.Errorf("no instantaneous power reading found in ipmitool output")
}
