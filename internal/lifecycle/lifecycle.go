// Package lifecycle sequences one run of the daemon from control-plane
// registration to shutdown (config and job-id resolution happen in
// cmd/xbatd before it): control-plane login and job registration, the
// conditional one-time benchmark and node registration, and, when the job
// enables monitoring, assembly and supervision of the queue, writer,
// watchdog, and every collector until the run is cancelled.
//
// Bootstrap covers hostname resolution through job and node registration
// and start-time resolution; Engine.Run owns the thread choreography (spawn
// writer and watchdog, start every collector, join the writer, stop
// everything, poll until quiescent).
package lifecycle

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/megware/xbatd/internal/benchmark"
	"github.com/megware/xbatd/internal/collector"
	"github.com/megware/xbatd/internal/collectors/amdgpu"
	"github.com/megware/xbatd/internal/collectors/cpu"
	"github.com/megware/xbatd/internal/collectors/disk"
	"github.com/megware/xbatd/internal/collectors/ethernet"
	"github.com/megware/xbatd/internal/collectors/hwperf"
	"github.com/megware/xbatd/internal/collectors/infiniband"
	"github.com/megware/xbatd/internal/collectors/ipmi"
	"github.com/megware/xbatd/internal/collectors/memory"
	"github.com/megware/xbatd/internal/collectors/nvidiagpu"
	"github.com/megware/xbatd/internal/collectors/xilinx"
	"github.com/megware/xbatd/internal/config"
	"github.com/megware/xbatd/internal/controlplane"
	"github.com/megware/xbatd/internal/queue"
	"github.com/megware/xbatd/internal/topology"
	"github.com/megware/xbatd/internal/watchdog"
	"github.com/megware/xbatd/internal/writer"
	"github.com/zoobzio/clockz"
)

// ControlPlane is the narrow slice of *controlplane.Client the controller
// depends on, so tests can substitute a fake.
type ControlPlane interface {
	RegisterJob(ctx context.Context, jobID uint32, hostname, systemInfoHash string) (controlplane.JobConfig, error)
	RegisterNode(ctx context.Context, systemInfoHash string, systemInfo map[string]any) error
}

// BenchmarkRunner matches benchmark.Run's signature, letting tests skip an
// actual likwid-bench invocation.
type BenchmarkRunner func(ctx context.Context, topo topology.CPU, run benchmark.Runner) (map[string]float64, error)

// HostnameResolver resolves the short hostname this node reports itself as.
// Tests substitute a fake; the default shells out to `hostname -s`.
type HostnameResolver func(ctx context.Context) (string, error)

func execHostname(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "hostname", "-s").Output()
	if err != nil {
		return "", fmt.Errorf("lifecycle: resolving hostname: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ScontrolRunner runs `scontrol show job <id>` and returns its raw stdout.
// Tests substitute a fake.
type ScontrolRunner func(ctx context.Context, jobID uint32) ([]byte, error)

func execScontrol(ctx context.Context, jobID uint32) ([]byte, error) {
	return exec.CommandContext(ctx, "scontrol", "show", "job", fmt.Sprintf("%d", jobID)).Output()
}

var startTimePattern = regexp.MustCompile(`StartTime=(\S+)`)

// ParseStartTime extracts Slurm's StartTime field from `scontrol show job`
// output. The second return value is false when no well-formed StartTime
// field is present (including Slurm's own "Unknown" placeholder).
func ParseStartTime(out []byte) (time.Time, bool) {
	m := startTimePattern.FindSubmatch(out)
	if m == nil {
		return time.Time{}, false
	}
	raw := string(m[1])
	if raw == "" || raw == "Unknown" || raw == "N/A" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05", raw, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// resolveStartTime anchors the interval-synchronization scheme to the
// job's actual Slurm start time when one is available, falling back to
// "now" for interactive or non-Slurm runs. An unparseable StartTime means
// "anchor to the moment monitoring begins", not a fatal condition.
func resolveStartTime(ctx context.Context, jobID uint32, run ScontrolRunner, clock clockz.Clock) time.Time {
	if run == nil {
		run = execScontrol
	}
	out, err := run(ctx, jobID)
	if err != nil {
		return clock.Now()
	}
	if t, ok := ParseStartTime(out); ok {
		return t
	}
	return clock.Now()
}

// GatherSystemInfo builds the document registered with the control plane:
// hardware topology plus enough host identity that a human can recognize
// the node.
func GatherSystemInfo(topo topology.CPU, hostname string) map[string]any {
	return map[string]any{
		"os": map[string]any{
			"hostname": hostname,
			"goos":     runtime.GOOS,
			"arch":     runtime.GOARCH,
		},
		"cpu": map[string]any{
			"sockets":          topo.Sockets,
			"cores_per_socket": topo.CoresPerSocket,
			"threads_per_core": topo.ThreadsPerCore,
			"smt":              topo.SMT,
			"topology":         topo,
		},
	}
}

// SystemInfoHash canonicalizes info into a stable identity for this
// hardware configuration, excluding the volatile fields before hashing:
// the hostname (a node identity, not a hardware
// one) and the full per-thread topology map (detailed enough that trivial
// BIOS-order differences between otherwise-identical nodes would hash
// differently). encoding/json sorts map keys during Marshal, so two
// semantically equal documents always hash the same.
func SystemInfoHash(info map[string]any) (string, error) {
	hashable := make(map[string]any, len(info))
	for k, v := range info {
		hashable[k] = v
	}
	if cpuInfo, ok := hashable["cpu"].(map[string]any); ok {
		cpuCopy := make(map[string]any, len(cpuInfo))
		for k, v := range cpuInfo {
			if k != "topology" {
				cpuCopy[k] = v
			}
		}
		hashable["cpu"] = cpuCopy
	}
	if osInfo, ok := hashable["os"].(map[string]any); ok {
		osCopy := make(map[string]any, len(osInfo))
		for k, v := range osInfo {
			if k != "hostname" {
				osCopy[k] = v
			}
		}
		hashable["os"] = osCopy
	}

	data, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("lifecycle: encoding system info: %w", err)
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

func mergeBenchmarks(info map[string]any, values map[string]float64) map[string]any {
	merged := make(map[string]any, len(info)+1)
	for k, v := range info {
		merged[k] = v
	}
	merged["benchmarks"] = values
	return merged
}

// Controller drives one run's startup sequence.
type Controller struct {
	Config   config.Config
	JobID    uint32
	Topology topology.CPU
	Clock    clockz.Clock
	Logger   *slog.Logger

	ControlPlane    ControlPlane
	ResolveHostname HostnameResolver
	RunScontrol     ScontrolRunner
	RunBenchmark    BenchmarkRunner

	// Hostname is populated by Bootstrap and consumed by NewEngine, the one
	// piece of state the two steps share.
	Hostname string
}

// Bootstrap runs the control-plane handshake: hostname and system-info
// resolution, job registration, the conditional benchmark-and-register-node
// step, and start-time resolution. It returns the per-job policy and the
// anchor time every collector's interval is synchronized against. The
// caller decides what to do with jobCfg.EnableMonitoring == false
// (cmd/xbatd logs and exits 0 without ever constructing an engine).
func (c *Controller) Bootstrap(ctx context.Context) (controlplane.JobConfig, time.Time, error) {
	resolveHostname := c.ResolveHostname
	if resolveHostname == nil {
		resolveHostname = execHostname
	}
	hostname, err := resolveHostname(ctx)
	if err != nil {
		return controlplane.JobConfig{}, time.Time{}, err
	}
	c.Hostname = hostname

	info := GatherSystemInfo(c.Topology, hostname)
	hash, err := SystemInfoHash(info)
	if err != nil {
		return controlplane.JobConfig{}, time.Time{}, err
	}

	jobCfg, err := c.ControlPlane.RegisterJob(ctx, c.JobID, hostname, hash)
	if err != nil {
		return controlplane.JobConfig{}, time.Time{}, err
	}

	if jobCfg.BenchmarkRequired {
		runBenchmark := c.RunBenchmark
		if runBenchmark == nil {
			runBenchmark = benchmark.Run
		}
		values, err := runBenchmark(ctx, c.Topology, nil)
		if err != nil {
			c.Logger.Warn("benchmark suite failed, skipping node registration", "error", err)
		} else if len(values) > 0 {
			if err := c.ControlPlane.RegisterNode(ctx, hash, mergeBenchmarks(info, values)); err != nil {
				c.Logger.Warn("registering node with benchmark results failed", "error", err)
			}
		}
	}

	anchor := resolveStartTime(ctx, c.JobID, c.RunScontrol, c.Clock)
	return jobCfg, anchor, nil
}

// NewEngine assembles the queue, writer, watchdog, and the full collector
// roster for one monitoring run: every collector is constructed
// unconditionally and allowed to self-terminate if its hardware or tool
// isn't present, except hwperf, which is only constructed when the job
// enables it.
func (c *Controller) NewEngine(ctx context.Context, jobCfg controlplane.JobConfig, anchor time.Time) (*Engine, error) {
	interval := time.Duration(jobCfg.IntervalMillis) * time.Millisecond

	q := queue.New()
	engineCtx, cancel := context.WithCancel(ctx)

	w, err := writer.New(c.Config.ClickHouse, c.JobID, c.Hostname, q, cancel, c.Logger)
	if err != nil {
		cancel()
		return nil, err
	}

	collectors := []collector.Collector{
		cpu.New(interval, anchor, c.Clock, c.Logger, q, c.Topology),
		memory.New(interval, anchor, c.Clock, c.Logger, q),
		disk.New(interval, anchor, c.Clock, c.Logger, q, nil),
		ethernet.New(interval, anchor, c.Clock, c.Logger, q),
		infiniband.New(interval, anchor, c.Clock, c.Logger, q),
		ipmi.New(interval, anchor, c.Clock, c.Logger, q, nil),
		nvidiagpu.New(interval, anchor, c.Clock, c.Logger, q, nil, nil),
		amdgpu.New(interval, anchor, c.Clock, c.Logger, q, nil),
		xilinx.New(interval, anchor, c.Clock, c.Logger, q, nil),
	}
	if jobCfg.EnableLikwid {
		collectors = append(collectors, hwperf.New(interval, anchor, c.Clock, c.Logger, q, c.Topology, "", nil, nil, nil))
	}

	entries := make([]watchdog.Entry, len(collectors))
	for i, col := range collectors {
		col := col
		entries[i] = watchdog.Entry{Collector: col, Revive: col.Start}
	}
	wd := watchdog.New(entries, c.Clock, c.Logger)

	return &Engine{
		ctx:        engineCtx,
		cancel:     cancel,
		writer:     w,
		watchdog:   wd,
		collectors: collectors,
		clock:      c.Clock,
		logger:     c.Logger,
	}, nil
}
