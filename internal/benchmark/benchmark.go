// Package benchmark runs the one-time micro-benchmark suite the controller
// invokes when the control plane reports this hardware configuration hasn't
// been profiled yet. It shells out to likwid-bench: a sentinel file
// brackets the run so other tooling can
// detect an in-progress benchmark, FLOP and memory-bandwidth benchmarks are
// run per the node's thread count and cache sizes, and their MFlops/s and
// MByte/s outputs are converted to flops/s and bytes/s for consistency with
// every other metric this daemon emits.
package benchmark

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/megware/xbatd/internal/topology"
)

// SentinelPath marks a benchmark run in progress; present only for the
// run's duration. Variable (not const) so tests can redirect it into a
// temporary directory.
var SentinelPath = "/run/xbatd/benchmarkInProgress"

const likwidBenchPath = "/usr/local/share/xbatd/bin/likwid-bench"

// CommandTimeout bounds any single likwid-bench invocation; the tool hanging
// must not hang the controller's startup sequence indefinitely.
const CommandTimeout = 5 * time.Minute

// flopBenchmarks are the likwid-bench compute kernels whose MFlops/s output
// this daemon reports as a flops/s figure.
var flopBenchmarks = []string{"peakflops", "peakflops_avx", "peakflops_avx_fma"}

// streamVariants maps a reported metric suffix to the cache/memory tier its
// working-set size is drawn from.
var streamVariants = []string{"l1", "l2", "l3", "mem"}

// Runner executes likwid-bench; tests substitute a fake.
type Runner func(ctx context.Context, args ...string) (string, error)

func execRunner(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, likwidBenchPath, args...).Output()
	return string(out), err
}

// Run executes the full benchmark suite, writing and removing the sentinel
// file around it. The returned map's keys are metric names (the FLOP
// benchmark name, or "bandwidth_<tier>") and values are already unit
// converted. A failure to even query available benchmarks yields an empty
// map without error: benchmarking unavailable is not fatal.
func Run(ctx context.Context, topo topology.CPU, run Runner) (map[string]float64, error) {
	if run == nil {
		run = execRunner
	}

	if err := os.WriteFile(SentinelPath, nil, 0o644); err != nil {
		return nil, fmt.Errorf("benchmark: writing sentinel: %w", err)
	}
	defer os.Remove(SentinelPath)

	available, err := run(ctx, "-a")
	if err != nil {
		return map[string]float64{}, nil
	}

	threads := int(topo.CoresPerSocket * topo.ThreadsPerCore * topo.Sockets)
	values := map[string]float64{}

	for _, name := range flopBenchmarks {
		if !benchmarkAvailable(available, name) {
			continue
		}
		out, err := run(ctx, "-t", name, workgroupFlag(topo.L1CacheTotal, threads))
		if err != nil {
			continue
		}
		mflops, err := extractValue(out, "MFlops/s:")
		if err != nil {
			continue
		}
		values[name] = mflops * 1_000_000
	}

	if benchmarkAvailable(available, "load") {
		for _, variant := range streamVariants {
			size := streamWorkingSet(topo, variant)
			out, err := run(ctx, "-t", "load", workgroupFlag(size, threads))
			if err != nil {
				continue
			}
			mbytes, err := extractValue(out, "MByte/s:")
			if err != nil {
				continue
			}
			values["bandwidth_"+variant] = mbytes * 1024 * 1024
		}
	}

	return values, nil
}

// streamWorkingSet picks the working-set size (bytes) for one stream
// variant. The "mem" variant uses 4x the total per-socket cache size across
// all sockets, as recommended by STREAM, to guarantee the benchmark misses
// every cache level.
func streamWorkingSet(topo topology.CPU, variant string) uint32 {
	switch variant {
	case "l1":
		return topo.L1CacheTotal
	case "l2":
		return topo.L2CacheTotal
	case "l3":
		return topo.L3CacheTotal
	case "mem":
		return topo.CacheTotal * 4
	default:
		return 0
	}
}

func workgroupFlag(sizeBytes uint32, threads int) string {
	return fmt.Sprintf("-W N:%dKB:%d", sizeBytes/1024, threads)
}

// benchmarkAvailable reports whether name appears in likwid-bench -a's
// listing, which suffixes every available benchmark name with " -".
func benchmarkAvailable(available, name string) bool {
	return strings.Contains(available, name+" -")
}

// extractValue scans out for the first line containing filter and parses
// the trailing numeric field from it.
func extractValue(out, filter string) (float64, error) {
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, filter) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		n, err := strconv.ParseFloat(fields[len(fields)-1], 64)
		if err != nil {
			continue
		}
		return n, nil
	}
	return 0, fmt.Errorf("benchmark: no line matching %q in output", filter)
}
