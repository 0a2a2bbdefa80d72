// Package xilinx samples per-device power draw for Xilinx FPGA accelerators
// once per interval. It is a snapshot-style collector.
//
// Devices are discovered once at startup by grepping the PCI listing for
// Xilinx's "Processing accelerators"
// class string, keeping only bus-device-function strings ending in ".1"
// (an FPGA card exposes several functions; only the one suffixed ".1"
// reports power). Each interval re-reads the corresponding hwmon
// power1_input file, which sysfs reports in microwatts.
package xilinx

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/megware/xbatd/internal/collector"
	"github.com/megware/xbatd/internal/measurement"
	"github.com/megware/xbatd/internal/queue"
	"github.com/zoobzio/clockz"
)

// xilinxPCIClass is the substring lspci prints for Xilinx's accelerator
// class of device, used to filter the bus listing down to FPGA cards.
const xilinxPCIClass = "Processing accelerators: Xilinx"

// sysPCIDevicesDir is the sysfs root each discovered bdf's hwmon tree hangs
// off of.
var sysPCIDevicesDir = "/sys/bus/pci/devices"

const commandTimeout = 5 * time.Second

// Lister runs `lspci` and returns its raw stdout. Tests substitute a fake.
type Lister func(ctx context.Context) ([]byte, error)

func execLister(ctx context.Context) ([]byte, error) {
	return exec.CommandContext(ctx, "lspci").Output()
}

// Collector samples FPGA power draw once per interval.
type Collector struct {
	core  *collector.Core
	queue *queue.Queue
	list  Lister
	bdfs  []string
}

// New constructs the Xilinx FPGA collector.
func New(interval time.Duration, anchor time.Time, clock clockz.Clock, logger *slog.Logger, q *queue.Queue, list Lister) *Collector {
	if list == nil {
		list = execLister
	}
	return &Collector{core: collector.NewCore("xilinx_fpga", interval, anchor, clock, logger), queue: q, list: list}
}

func (c *Collector) Name() string             { return c.core.Name() }
func (c *Collector) Stop()                    { c.core.Stop() }
func (c *Collector) ForceStop()               { c.core.ForceStop() }
func (c *Collector) Status() collector.Status { return c.core.Status() }
func (c *Collector) LastHeartbeat() time.Time { return c.core.LastHeartbeat() }
func (c *Collector) Interval() time.Duration  { return c.core.Interval() }
func (c *Collector) Start()                   { c.core.Start(c.run) }

func (c *Collector) run(ctx context.Context) error {
	if err := c.prepare(ctx); err != nil {
		return err
	}
	return c.core.RunSnapshotLoop(ctx, c.collect)
}

// prepare discovers the power-reporting bdf of every Xilinx accelerator
// card present. No cards found is source-unavailable, not an error: most
// nodes simply don't have one.
func (c *Collector) prepare(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	out, err := c.list(runCtx)
	if err != nil {
		return fmt.Errorf("%w: lspci unavailable: %v", collector.ErrSourceUnavailable, err)
	}
	c.bdfs = parsePowerBDFs(out)
	if len(c.bdfs) == 0 {
		return fmt.Errorf("%w: no Xilinx FPGAs present", collector.ErrSourceUnavailable)
	}
	return nil
}

// parsePowerBDFs scans lspci output for Xilinx accelerator entries and
// keeps only the bus-device-function suffixed ".1", the power-reporting
// function of a multi-function FPGA card.
func parsePowerBDFs(out []byte) []string {
	var bdfs []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.Contains(line, xilinxPCIClass) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		bdf := fields[0]
		if strings.HasSuffix(bdf, ".1") {
			bdfs = append(bdfs, bdf)
		}
	}
	return bdfs
}

func (c *Collector) collect(ctx context.Context) error {
	ts := c.core.IntervalEnd()
	var floats []measurement.DeviceFloat
	for _, bdf := range c.bdfs {
		watts, err := readPowerWatts(bdf)
		if err != nil {
			continue // single-device read failure: skip it, keep the rest
		}
		floats = append(floats, measurement.DeviceFloat{
			Name: "fpga_power", Level: measurement.LevelDevice, DeviceID: bdf, Value: watts, TS: ts,
		})
	}
	c.queue.PushDeviceFloatMany(floats)
	return nil
}

// readPowerWatts reads the first hwmon instance's power1_input file under
// a device's sysfs directory and converts it from microwatts to watts. A
// card exposes exactly one hwmon instance, so the first directory entry is
// the one.
func readPowerWatts(bdf string) (float64, error) {
	hwmonDir := filepath.Join(sysPCIDevicesDir, "0000:"+bdf, "hwmon")
	entries, err := os.ReadDir(hwmonDir)
	if err != nil {
		return 0, fmt.Errorf("xilinx: reading %s: %w", hwmonDir, err)
	}
	if len(entries) == 0 {
		return 0, fmt.Errorf("xilinx: no hwmon instance under %s", hwmonDir)
	}
	path := filepath.Join(hwmonDir, entries[0].Name(), "power1_input")
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("xilinx: reading %s: %w", path, err)
	}
	microwatts, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, fmt.Errorf("xilinx: parsing %s: %w", path, err)
	}
	return microwatts / 1_000_000, nil
}
