// Package amdgpu samples per-device AMD GPU counters once per interval by
// shelling out to rocm-smi, the vendor SDK's command-line front-end:
// temperature, graphics/memory/multimedia activity, socket power,
// per-clock-domain frequencies, and VRAM usage.
//
// Structurally it mirrors nvidiagpu: a one-time device enumeration in
// prepare(), then one rocm-smi query per interval. Any enumerated entry
// whose card type isn't reported as a GPU is skipped, so non-GPU
// processors sharing a socket never produce records.
package amdgpu

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

const rocmSMIPath = "rocm-smi"

const commandTimeout = 10 * time.Second

// QueryRunner executes a rocm-smi query and returns its raw stdout. Tests
// substitute a fake.
type QueryRunner func(ctx context.Context, args ...string) ([]byte, error)

func execQuery(ctx context.Context, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, rocmSMIPath, args...).Output()
}

// Collector samples AMD GPU counters once per interval.
type Collector struct {
	core  *collector.Core
	queue *queue.Queue
	run   QueryRunner
}

// New constructs the AMD GPU collector.
func New(interval time.Duration, anchor time.Time, clock clockz.Clock, logger *slog.Logger, q *queue.Queue, run QueryRunner) *Collector {
	if run == nil {
		run = execQuery
	}
	return &Collector{core: collector.NewCore("amd_gpu", interval, anchor, clock, logger), queue: q, run: run}
}

func (c *Collector) Name() string             { return c.core.Name() }
func (c *Collector) Stop()                    { c.core.Stop() }
func (c *Collector) ForceStop()               { c.core.ForceStop() }
func (c *Collector) Status() collector.Status { return c.core.Status() }
func (c *Collector) LastHeartbeat() time.Time { return c.core.LastHeartbeat() }
func (c *Collector) Interval() time.Duration  { return c.core.Interval() }
func (c *Collector) Start()                   { c.core.Start(c.runLoop) }

func (c *Collector) runLoop(ctx context.Context) error {
	if err := c.prepare(ctx); err != nil {
		return err
	}
	return c.core.RunSnapshotLoop(ctx, c.collect)
}

func (c *Collector) prepare(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	out, err := c.run(runCtx, "--showallinfo", "--csv")
	if err != nil {
		return fmt.Errorf("%w: rocm-smi unavailable: %v", collector.ErrSourceUnavailable, err)
	}
	cards, err := parseCards(out)
	if err != nil || len(cards) == 0 {
		return fmt.Errorf("%w: no AMD GPUs present", collector.ErrSourceUnavailable)
	}
	return nil
}

// cardSample is one CSV row of rocm-smi --showallinfo --csv, restricted to
// the columns this collector consumes.
type cardSample struct {
	device                            string
	isGPU                             bool
	tempC                             float64
	gfxActivity, memActivity, mmAct   float64
	socketPowerW                      float64
	clockSM, clockMem                 float64
	vramUsedBytes, vramTotalBytes     float64
}

// parseCards parses rocm-smi's CSV export. The exact column set rocm-smi
// emits varies by driver version; this collector looks columns up by
// header name rather than fixed position so it keeps working across ROCm
// releases.
func parseCards(out []byte) ([]cardSample, error) {
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	if !scanner.Scan() {
		return nil, fmt.Errorf("amdgpu: empty rocm-smi output")
	}
	header := strings.Split(scanner.Text(), ",")
	col := map[string]int{}
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}

	get := func(fields []string, name string) string {
		if i, ok := col[name]; ok && i < len(fields) {
			return strings.TrimSpace(fields[i])
		}
		return ""
	}
	getFloat := func(fields []string, name string) float64 {
		n, _ := strconv.ParseFloat(get(fields, name), 64)
		return n
	}

	var cards []cardSample
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		cardType := get(fields, "Card series")
		isGPU := cardType != "" && !strings.Contains(strings.ToLower(cardType), "cpu")
		cards = append(cards, cardSample{
			device:        get(fields, "device"),
			isGPU:         isGPU,
			tempC:         getFloat(fields, "Temperature (Sensor edge) (C)"),
			gfxActivity:   getFloat(fields, "GPU use (%)"),
			memActivity:   getFloat(fields, "GPU memory use (%)"),
			mmAct:         getFloat(fields, "MM use (%)"),
			socketPowerW:  getFloat(fields, "Average Graphics Package Power (W)"),
			clockSM:       getFloat(fields, "sclk clock speed (MHz)"),
			clockMem:      getFloat(fields, "mclk clock speed (MHz)"),
			vramUsedBytes: getFloat(fields, "VRAM Total Used Memory (B)"),
			vramTotalBytes: getFloat(fields, "VRAM Total Memory (B)"),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cards, nil
}

func (c *Collector) collect(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	out, err := c.run(runCtx, "--showallinfo", "--csv")
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %v", collector.ErrSourceUnavailable, err)
	}
	cards, err := parseCards(out)
	if err != nil {
		return fmt.Errorf("amdgpu: %w", err)
	}

	ts := c.core.IntervalEnd()
	var ints []measurement.DeviceInt
	var floats []measurement.DeviceFloat

	for _, card := range cards {
		if !card.isGPU {
			continue // non-GPU processors (e.g. attached CPUs) reported alongside GPUs by some ROCm builds
		}
		ints = append(ints,
			measurement.DeviceInt{Name: "gpu_vram_used", Level: measurement.LevelDevice, DeviceID: card.device, Value: int64(card.vramUsedBytes), TS: ts},
			measurement.DeviceInt{Name: "gpu_vram_total", Level: measurement.LevelDevice, DeviceID: card.device, Value: int64(card.vramTotalBytes), TS: ts},
		)
		floats = append(floats,
			measurement.DeviceFloat{Name: "gpu_temperature", Level: measurement.LevelDevice, DeviceID: card.device, Value: card.tempC, TS: ts},
			measurement.DeviceFloat{Name: "gpu_graphics_activity", Level: measurement.LevelDevice, DeviceID: card.device, Value: card.gfxActivity, TS: ts},
			measurement.DeviceFloat{Name: "gpu_memory_activity", Level: measurement.LevelDevice, DeviceID: card.device, Value: card.memActivity, TS: ts},
			measurement.DeviceFloat{Name: "gpu_multimedia_activity", Level: measurement.LevelDevice, DeviceID: card.device, Value: card.mmAct, TS: ts},
			measurement.DeviceFloat{Name: "gpu_power", Level: measurement.LevelDevice, DeviceID: card.device, Value: card.socketPowerW, TS: ts},
			measurement.DeviceFloat{Name: "gpu_clock_sm", Level: measurement.LevelDevice, DeviceID: card.device, Value: card.clockSM, TS: ts},
			measurement.DeviceFloat{Name: "gpu_clock_mem", Level: measurement.LevelDevice, DeviceID: card.device, Value: card.clockMem, TS: ts},
		)
	}

	c.queue.PushDeviceIntMany(ints)
	c.queue.PushDeviceFloatMany(floats)
	return nil
}
