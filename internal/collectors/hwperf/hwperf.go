// Package hwperf multiplexes a configurable list of hardware performance
// counter event sets across a single interval via the external
// likwid-perfctr tool, and harvests per-CPU metrics against a JSON metric
// dictionary.
//
// This is the heaviest collector in the daemon. Rather than binding
// liblikwid's C API, it shells out to the likwid-perfctr binary in its
// "stethoscope" mode, one invocation per registered event set per
// interval, the way every other collector in this codebase shells out to
// its vendor tool (nvidia-smi, rocm-smi, ipmitool):
// topology.Snapshot already made the same choice for the same reason (see
// that package's doc comment).
package hwperf

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/megware/xbatd/internal/collector"
	"github.com/megware/xbatd/internal/measurement"
	"github.com/megware/xbatd/internal/queue"
	"github.com/megware/xbatd/internal/topology"
	"github.com/zoobzio/clockz"
)

const likwidPerfctrPath = "likwid-perfctr"

// DefaultMetricsPath is where the metric dictionary is read from absent an
// override.
const DefaultMetricsPath = "/usr/local/share/xbatd/metrics.json"

// DefaultEventSets is the configured list of event sets this collector
// tries to register, intersected at startup with whatever the host
// actually supports.
var DefaultEventSets = []string{"MEM1", "MEM2", "MEM3", "MEM4", "L2", "L3", "FLOPS_DP", "ENERGY"}

// channelSetPattern matches the channel-based memory set family: MEM1,
// MEM2, ... observing individual memory controller channels, aggregated
// into one logical "MEM" set before emission.
var channelSetPattern = regexp.MustCompile(`^MEM\d+$`)

// commandTimeout margin added on top of a set's own sample window, so a
// hung likwid-perfctr invocation is killed rather than stalling the
// collector past its interval.
const commandTimeoutMargin = 2 * time.Second

// minSetTime floors the per-set sample window so a degenerate (near-zero)
// time budget still produces a well-formed invocation.
const minSetTime = 10 * time.Millisecond

// GroupLister runs `likwid-perfctr -a` (or equivalent) and returns its raw
// listing of available event set groups. Tests substitute a fake.
type GroupLister func(ctx context.Context) ([]byte, error)

// Runner runs one stethoscope-mode likwid-perfctr invocation: programs set
// on cpuList, samples for duration, and returns the CSV metric table.
// Tests substitute a fake.
type Runner func(ctx context.Context, cpuList, set string, duration time.Duration) ([]byte, error)

func execListGroups(ctx context.Context) ([]byte, error) {
	return exec.CommandContext(ctx, likwidPerfctrPath, "-a").Output()
}

func execRun(ctx context.Context, cpuList, set string, duration time.Duration) ([]byte, error) {
	return exec.CommandContext(ctx, likwidPerfctrPath,
		"-C", cpuList, "-g", set, "-S", fmt.Sprintf("%dms", duration.Milliseconds()), "-O").Output()
}

// MetricMeta describes how one raw likwid metric maps onto an emitted
// measurement: its display name, a unit/scale multiplier, and an optional
// level override (defaulting to thread-or-core per topology SMT state).
type MetricMeta struct {
	Name  string
	Scale float64
	Level string
}

// Dictionary maps event-set name -> normalized raw metric name -> MetricMeta.
type Dictionary map[string]map[string]MetricMeta

type rawMetricMeta struct {
	Name  string  `json:"name"`
	Scale float64 `json:"scale"`
	Level string  `json:"level"`
}

// LoadDictionary reads and normalizes the metric dictionary at path.
func LoadDictionary(path string) (Dictionary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hwperf: reading metric dictionary: %w", err)
	}
	var raw map[string]map[string]rawMetricMeta
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("hwperf: parsing metric dictionary: %w", err)
	}
	dict := make(Dictionary, len(raw))
	for set, metrics := range raw {
		m := make(map[string]MetricMeta, len(metrics))
		for rawName, meta := range metrics {
			name := meta.Name
			if name == "" {
				name = rawName
			}
			scale := meta.Scale
			if scale == 0 {
				scale = 1
			}
			m[normalizeMetricName(rawName)] = MetricMeta{Name: "likwid_" + name, Scale: scale, Level: meta.Level}
		}
		dict[set] = m
	}
	return dict, nil
}

// normalizeMetricName strips likwid's bracketed unit suffix ("[GHz]") and
// parenthesized qualifier ("(channel 0-3)") from a raw metric name.
func normalizeMetricName(raw string) string {
	if i := strings.Index(raw, "["); i >= 0 {
		raw = raw[:i]
	}
	if i := strings.Index(raw, "("); i >= 0 {
		raw = raw[:i]
	}
	return strings.TrimSpace(raw)
}

// Collector multiplexes hardware performance counter event sets across
// each interval.
type Collector struct {
	core   *collector.Core
	queue  *queue.Queue
	clock  clockz.Clock
	logger *slog.Logger

	topo        topology.CPU
	dictPath    string
	defaultSets []string
	listGroups  GroupLister
	run         Runner

	dict    Dictionary
	cpus    []uint32
	setList []string

	overheadMillis float64
}

// New constructs the hardware performance-counter collector. sets
// overrides DefaultEventSets when non-nil, mainly for tests.
func New(interval time.Duration, anchor time.Time, clock clockz.Clock, logger *slog.Logger, q *queue.Queue, topo topology.CPU, dictPath string, sets []string, listGroups GroupLister, run Runner) *Collector {
	if clock == nil {
		clock = clockz.RealClock
	}
	if dictPath == "" {
		dictPath = DefaultMetricsPath
	}
	if sets == nil {
		sets = DefaultEventSets
	}
	if listGroups == nil {
		listGroups = execListGroups
	}
	if run == nil {
		run = execRun
	}
	return &Collector{
		core:           collector.NewCore("hwperf", interval, anchor, clock, logger),
		queue:          q,
		clock:          clock,
		logger:         logger.With("module", "hwperf"),
		topo:           topo,
		dictPath:       dictPath,
		defaultSets:    sets,
		listGroups:     listGroups,
		run:            run,
		overheadMillis: 1000,
	}
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

// prepare loads the metric dictionary, enumerates participating hardware
// threads, and registers the intersection of the configured default event
// sets with whatever the host actually supports.
func (c *Collector) prepare(ctx context.Context) error {
	dict, err := LoadDictionary(c.dictPath)
	if err != nil {
		return fmt.Errorf("%w: %v", collector.ErrSourceUnavailable, err)
	}
	c.dict = dict

	for id := range c.topo.HWThreads {
		c.cpus = append(c.cpus, id)
	}
	sortUint32(c.cpus)
	if len(c.cpus) == 0 {
		return fmt.Errorf("%w: no hardware threads in topology", collector.ErrSourceUnavailable)
	}

	out, err := c.listGroups(ctx)
	if err != nil {
		return fmt.Errorf("%w: likwid-perfctr unavailable: %v", collector.ErrSourceUnavailable, err)
	}
	available := parseAvailableGroups(out)
	availSet := map[string]bool{}
	for _, g := range available {
		availSet[g] = true
	}
	for _, s := range c.defaultSets {
		if availSet[s] {
			c.setList = append(c.setList, s)
		}
	}
	if len(c.setList) == 0 {
		return fmt.Errorf("%w: no configured event sets available on this host", collector.ErrSourceUnavailable)
	}
	return nil
}

// parseAvailableGroups parses likwid-perfctr -a's "<name> - <description>"
// listing.
func parseAvailableGroups(out []byte) []string {
	var groups []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		name, _, ok := strings.Cut(line, " - ")
		if !ok {
			continue
		}
		groups = append(groups, strings.TrimSpace(name))
	}
	return groups
}

// nextOverheadMillis is the exponentially-smoothed overhead estimate:
// next = (prev + 3*current) / 4.
func nextOverheadMillis(prev, current float64) float64 {
	return (prev + 3*current) / 4
}

func formatCPUList(cpus []uint32) string {
	parts := make([]string, len(cpus))
	for i, id := range cpus {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return strings.Join(parts, ",")
}

// collect runs one full multiplexing cycle: estimate overhead, compute the
// per-set sample window, sample every registered set in turn, then harvest
// metrics from every set's table in a second pass.
func (c *Collector) collect(ctx context.Context) error {
	timeLeft := c.core.TimeLeft()
	overhead := time.Duration(c.overheadMillis * float64(time.Millisecond))
	if overhead > timeLeft {
		return fmt.Errorf("hwperf: predicted overhead %s exceeds time left %s", overhead, timeLeft)
	}

	n := len(c.setList)
	setTime := (timeLeft - overhead) / time.Duration(n)
	if setTime < minSetTime {
		setTime = minSetTime
	}

	cpuList := formatCPUList(c.cpus)
	tables := map[string]map[string][]float64{}
	var overheadSamples []time.Duration

	for _, set := range c.setList {
		if collector.Cancelled(ctx) {
			return nil
		}
		start := c.clock.Now()
		runCtx, cancel := context.WithTimeout(ctx, setTime+commandTimeoutMargin)
		out, err := c.run(runCtx, cpuList, set, setTime)
		cancel()
		elapsed := c.clock.Now().Sub(start)
		if elapsed > setTime {
			overheadSamples = append(overheadSamples, elapsed-setTime)
		}
		if err != nil {
			c.logger.Error("likwid-perfctr invocation failed, skipping set", "set", set, "error", err)
			continue
		}
		table, err := parseTable(out)
		if err != nil {
			c.logger.Error("failed to parse likwid-perfctr output, skipping set", "set", set, "error", err)
			continue
		}
		tables[set] = table
	}

	harvestStart := c.clock.Now()
	floats := c.harvest(tables, c.core.IntervalEnd())
	overheadSamples = append(overheadSamples, c.clock.Now().Sub(harvestStart))

	var totalOverhead time.Duration
	for _, s := range overheadSamples {
		totalOverhead += s
	}
	c.overheadMillis = nextOverheadMillis(c.overheadMillis, float64(totalOverhead.Milliseconds()))

	c.queue.PushTopologyFloatMany(floats)
	return nil
}

// harvest walks every registered set's metric table and emits one
// TopologyFloat per reporting hardware thread, applying the channel-based
// memory-set aggregation and the per-level reporting rules.
func (c *Collector) harvest(tables map[string]map[string][]float64, ts time.Time) []measurement.TopologyFloat {
	collectionLevel := "core"
	if c.topo.SMT {
		collectionLevel = "thread"
	}

	var channelSets []string
	for _, s := range c.setList {
		if channelSetPattern.MatchString(s) {
			channelSets = append(channelSets, s)
		}
	}

	var out []measurement.TopologyFloat
	for _, setName := range c.setList {
		table, ok := tables[setName]
		if !ok {
			continue
		}

		isChannelSet := channelSetPattern.MatchString(setName)
		dictName := setName
		if isChannelSet {
			if setName != "MEM1" {
				continue // every other channel set is folded into MEM1's emission
			}
			dictName = "MEM"
		}

		setDict, ok := c.dict[dictName]
		if !ok {
			continue
		}

		for rawMetric := range table {
			meta, ok := setDict[normalizeMetricName(rawMetric)]
			if !ok {
				continue
			}
			level := meta.Level
			if level == "" {
				level = collectionLevel
			}

			seenSockets := map[uint32]bool{}
			for idx, cpuID := range c.cpus {
				info, known := c.topo.HWThreads[cpuID]
				if !known {
					continue
				}
				if !shouldReport(level, idx, info, seenSockets) {
					continue
				}

				var value float64
				if isChannelSet {
					for _, channel := range channelSets {
						v := tableValue(tables[channel], rawMetric, idx)
						if !math.IsNaN(v) {
							value += v
						}
					}
				} else {
					value = tableValue(table, rawMetric, idx)
					if math.IsNaN(value) {
						value = 0
					}
				}

				out = append(out, measurement.TopologyFloat{
					Name: meta.Name, Level: measurement.Level(level),
					Thread: cpuID, Core: info.Core, NUMA: info.NUMA, Socket: info.Socket,
					Value: value * meta.Scale, TS: ts,
				})
			}
		}
	}
	return out
}

// shouldReport applies the per-level reporting rule: every hardware
// thread reports at thread/core level; only hw-thread index 0
// reports at node level; only the first thread of the first core of each
// socket reports at socket level.
func shouldReport(level string, idx int, info topology.HWThread, seenSockets map[uint32]bool) bool {
	switch level {
	case "node":
		return idx == 0
	case "socket":
		if info.Thread != 0 || seenSockets[info.Socket] {
			return false
		}
		seenSockets[info.Socket] = true
		return true
	default:
		return true
	}
}

func tableValue(table map[string][]float64, rawMetric string, idx int) float64 {
	values, ok := table[rawMetric]
	if !ok || idx >= len(values) {
		return math.NaN()
	}
	return values[idx]
}

// parseTable parses likwid-perfctr's CSV "TABLE" section: a header row
// (discarded) followed by one row per metric, its raw name in the first
// field and one value per hardware thread column thereafter, in the same
// order as the -C cpu list the invocation was given.
func parseTable(out []byte) (map[string][]float64, error) {
	table := map[string][]float64{}
	inTable := false
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if fields[0] == "TABLE" {
			inTable = true
			continue
		}
		if !inTable || len(fields) < 2 {
			continue
		}
		values := make([]float64, 0, len(fields)-1)
		for _, f := range fields[1:] {
			v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
			if err != nil {
				v = math.NaN()
			}
			values = append(values, v)
		}
		table[fields[0]] = values
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return table, nil
}

func sortUint32(ids []uint32) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}
