// Package nvidiagpu samples per-device NVIDIA GPU counters once per
// interval by shelling out to nvidia-smi, the vendor SDK's command-line
// front-end: memory usage, utilization, performance state, power, clocks,
// and NVLink throughput. MIG-enabled devices skip utilization and
// encoder/decoder metrics, which MIG partitioning does not report.
//
// Device enumeration happens once in prepare: a one-time nvidia-smi query
// that confirms the tool/driver is present and reports at least one GPU
// (source-unavailable otherwise). Each collect then emits records for every
// device its own query returns. NVLink throughput is computed the same way
// the ethernet collector computes its rates: a delta against the previously
// sampled counter divided by the interval, carried in per-device state
// across calls to collect. The rx and tx counters are summed over all of a
// device's links, so one gpu_nvlink_rx/gpu_nvlink_tx pair is emitted per
// device; per-link figures are not reported.
package nvidiagpu

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

const nvidiaSMIPath = "nvidia-smi"

// commandTimeout bounds every nvidia-smi invocation.
const commandTimeout = 10 * time.Second

// QueryRunner executes `nvidia-smi --query-gpu=... --format=csv,noheader,nounits`
// and returns its raw stdout. Tests substitute a fake.
type QueryRunner func(ctx context.Context) ([]byte, error)

// NVLinkRunner executes `nvidia-smi nvlink -g <index>` (or equivalent) and
// returns the device's rx/tx byte counters observed right now, each summed
// over all of its links.
type NVLinkRunner func(ctx context.Context, deviceID string) (rx, tx uint64, err error)

func execQuery(ctx context.Context) ([]byte, error) {
	fields := strings.Join(queryFields, ",")
	return exec.CommandContext(ctx, nvidiaSMIPath,
		"--query-gpu="+fields, "--format=csv,noheader,nounits").Output()
}

var queryFields = []string{
	"index", "memory.used", "memory.total", "bar1.memory.used",
	"utilization.gpu", "utilization.memory",
	"pstate", "power.draw", "power.limit", "clocks.sm", "clocks.mem", "clocks.gr",
	"utilization.encoder", "utilization.decoder", "mig.mode.current",
}

func execNVLink(ctx context.Context, deviceID string) (uint64, uint64, error) {
	out, err := exec.CommandContext(ctx, nvidiaSMIPath, "nvlink", "-g", deviceID).Output()
	if err != nil {
		return 0, 0, err
	}
	return parseNVLinkCounters(out)
}

// Collector samples NVIDIA GPU counters once per interval.
type Collector struct {
	core    *collector.Core
	queue   *queue.Queue
	query   QueryRunner
	nvlink  NVLinkRunner
	devices []string

	prevNVLink map[string]nvlinkCounters
}

type nvlinkCounters struct {
	rx, tx uint64
}

// New constructs the NVIDIA GPU collector.
func New(interval time.Duration, anchor time.Time, clock clockz.Clock, logger *slog.Logger, q *queue.Queue, query QueryRunner, nvlink NVLinkRunner) *Collector {
	if query == nil {
		query = execQuery
	}
	if nvlink == nil {
		nvlink = execNVLink
	}
	return &Collector{
		core:       collector.NewCore("nvidia_gpu", interval, anchor, clock, logger),
		queue:      q,
		query:      query,
		nvlink:     nvlink,
		prevNVLink: map[string]nvlinkCounters{},
	}
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

// prepare enumerates devices once at startup; a failure here (no driver, no
// GPUs) is reported as source-unavailable and the collector self-terminates
// without ever entering the interval loop.
func (c *Collector) prepare(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	out, err := c.query(runCtx)
	if err != nil {
		return fmt.Errorf("%w: nvidia-smi unavailable: %v", collector.ErrSourceUnavailable, err)
	}
	samples, err := parseSamples(out)
	if err != nil {
		return fmt.Errorf("%w: parsing nvidia-smi output: %v", collector.ErrSourceUnavailable, err)
	}
	if len(samples) == 0 {
		return fmt.Errorf("%w: no NVIDIA GPUs present", collector.ErrSourceUnavailable)
	}
	for _, s := range samples {
		c.devices = append(c.devices, s.index)
	}
	return nil
}

type gpuSample struct {
	index                      string
	memUsedMiB, memTotalMiB    float64
	bar1UsedMiB                float64
	utilGPU, utilMem           float64
	pstate                     string
	powerDraw, powerLimit      float64
	clockSM, clockMem, clockGr float64
	utilEncoder, utilDecoder   float64
	migEnabled                 bool
}

func parseSamples(out []byte) ([]gpuSample, error) {
	var samples []gpuSample
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < len(queryFields) {
			continue
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		samples = append(samples, gpuSample{
			index:       fields[0],
			memUsedMiB:  parseFloatOrZero(fields[1]),
			memTotalMiB: parseFloatOrZero(fields[2]),
			bar1UsedMiB: parseFloatOrZero(fields[3]),
			utilGPU:     parseFloatOrZero(fields[4]),
			utilMem:     parseFloatOrZero(fields[5]),
			pstate:      fields[6],
			powerDraw:   parseFloatOrZero(fields[7]),
			powerLimit:  parseFloatOrZero(fields[8]),
			clockSM:     parseFloatOrZero(fields[9]),
			clockMem:    parseFloatOrZero(fields[10]),
			clockGr:     parseFloatOrZero(fields[11]),
			utilEncoder: parseFloatOrZero(fields[12]),
			utilDecoder: parseFloatOrZero(fields[13]),
			migEnabled:  fields[14] == "Enabled",
		})
	}
	return samples, scanner.Err()
}

// parsePState extracts the numeric part of a "P<n>" performance state.
func parsePState(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimPrefix(s, "P"), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func parseFloatOrZero(s string) float64 {
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return n
}

// parseNVLinkCounters scans nvidia-smi's `nvlink -g` throughput section for
// aggregate rx/tx byte counters across every link, e.g. lines containing
// "Rx" / "Tx" followed by a byte count.
func parseNVLinkCounters(out []byte) (uint64, uint64, error) {
	var rx, tx uint64
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		n, err := strconv.ParseUint(fields[len(fields)-1], 10, 64)
		if err != nil {
			continue
		}
		switch {
		case strings.Contains(line, "Rx"):
			rx += n
		case strings.Contains(line, "Tx"):
			tx += n
		}
	}
	return rx, tx, scanner.Err()
}

func (c *Collector) collect(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	out, err := c.query(runCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %v", collector.ErrSourceUnavailable, err)
	}
	samples, err := parseSamples(out)
	if err != nil {
		return fmt.Errorf("nvidia_gpu: %w", err)
	}

	ts := c.core.IntervalEnd()
	var ints []measurement.DeviceInt
	var floats []measurement.DeviceFloat

	for _, s := range samples {
		ints = append(ints,
			measurement.DeviceInt{Name: "gpu_mem_fb_used", Level: measurement.LevelDevice, DeviceID: s.index, Value: int64(s.memUsedMiB) * 1024 * 1024, TS: ts},
			measurement.DeviceInt{Name: "gpu_mem_bar1_used", Level: measurement.LevelDevice, DeviceID: s.index, Value: int64(s.bar1UsedMiB) * 1024 * 1024, TS: ts},
			measurement.DeviceInt{Name: "gpu_pstate", Level: measurement.LevelDevice, DeviceID: s.index, Value: parsePState(s.pstate), TS: ts},
		)
		floats = append(floats,
			measurement.DeviceFloat{Name: "gpu_power", Level: measurement.LevelDevice, DeviceID: s.index, Value: s.powerDraw, TS: ts},
			measurement.DeviceFloat{Name: "gpu_power_limit", Level: measurement.LevelDevice, DeviceID: s.index, Value: s.powerLimit, TS: ts},
			measurement.DeviceFloat{Name: "gpu_clock_sm", Level: measurement.LevelDevice, DeviceID: s.index, Value: s.clockSM, TS: ts},
			measurement.DeviceFloat{Name: "gpu_clock_mem", Level: measurement.LevelDevice, DeviceID: s.index, Value: s.clockMem, TS: ts},
			measurement.DeviceFloat{Name: "gpu_clock_graphics", Level: measurement.LevelDevice, DeviceID: s.index, Value: s.clockGr, TS: ts},
		)

		if !s.migEnabled {
			floats = append(floats,
				measurement.DeviceFloat{Name: "gpu_util", Level: measurement.LevelDevice, DeviceID: s.index, Value: s.utilGPU, TS: ts},
				measurement.DeviceFloat{Name: "gpu_mem_util", Level: measurement.LevelDevice, DeviceID: s.index, Value: s.utilMem, TS: ts},
				measurement.DeviceFloat{Name: "gpu_encoder_util", Level: measurement.LevelDevice, DeviceID: s.index, Value: s.utilEncoder, TS: ts},
				measurement.DeviceFloat{Name: "gpu_decoder_util", Level: measurement.LevelDevice, DeviceID: s.index, Value: s.utilDecoder, TS: ts},
			)
		}

		c.collectNVLink(ctx, s.index, ts, &floats)
	}

	c.queue.PushDeviceIntMany(ints)
	c.queue.PushDeviceFloatMany(floats)
	return nil
}

func (c *Collector) collectNVLink(ctx context.Context, deviceID string, ts time.Time, floats *[]measurement.DeviceFloat) {
	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	rx, tx, err := c.nvlink(runCtx, deviceID)
	cancel()
	if err != nil {
		return // single-metric failure: skip this device's NVLink figures
	}

	prev, ok := c.prevNVLink[deviceID]
	c.prevNVLink[deviceID] = nvlinkCounters{rx: rx, tx: tx}
	if !ok {
		return
	}
	seconds := c.core.Interval().Seconds()
	if seconds <= 0 {
		return
	}
	*floats = append(*floats,
		measurement.DeviceFloat{Name: "gpu_nvlink_rx", Level: measurement.LevelDevice, DeviceID: deviceID, Value: float64(rx-prev.rx) / seconds, TS: ts},
		measurement.DeviceFloat{Name: "gpu_nvlink_tx", Level: measurement.LevelDevice, DeviceID: deviceID, Value: float64(tx-prev.tx) / seconds, TS: ts},
	)
}
