// Package topology snapshots the CPU topology of the local node once at
// startup: socket/core/thread counts, cache sizes, and the hardware-thread to
// {thread,core,socket,numa} mapping every per-locality collector tags its
// records with.
//
// Nothing in this codebase links against likwid (the perf-counter
// collector shells out to the likwid-perfctr binary instead of binding
// its C API), so this package reads these facts directly from sysfs, the
// way the other collectors read /proc and /sys rather than linking a
// vendor SDK.
package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// HWThread locates one logical CPU within the node's hierarchy.
type HWThread struct {
	Thread uint32
	Core   uint32
	Socket uint32
	NUMA   uint32
}

// CPU is the complete topology snapshot taken once at startup and shared,
// read-only, by every per-locality collector for the life of the process.
type CPU struct {
	SMT            bool
	ThreadsPerCore uint32
	CoresPerSocket uint32
	Sockets        uint32

	// Per-instance sizes in bytes.
	L1Cache uint32
	L2Cache uint32
	L3Cache uint32

	// Summed across instances within one socket, in bytes.
	L1CachePerSocket uint32
	L2CachePerSocket uint32
	L3CachePerSocket uint32
	CachePerSocket   uint32

	// Summed across all sockets, in bytes.
	L1CacheTotal uint32
	L2CacheTotal uint32
	L3CacheTotal uint32
	CacheTotal   uint32

	HWThreads map[uint32]HWThread
}

const sysCPUDir = "/sys/devices/system/cpu"
const sysNodeDir = "/sys/devices/system/node"

// Snapshot reads the local node's CPU topology from sysfs.
func Snapshot() (CPU, error) {
	ids, err := onlineCPUIDs()
	if err != nil {
		return CPU{}, fmt.Errorf("topology: %w", err)
	}
	if len(ids) == 0 {
		return CPU{}, fmt.Errorf("topology: no online CPUs found under %s", sysCPUDir)
	}

	numaOf, err := numaMapping()
	if err != nil {
		return CPU{}, fmt.Errorf("topology: %w", err)
	}

	hwThreads := make(map[uint32]HWThread, len(ids))
	sockets := map[uint32]struct{}{}
	coresBySocket := map[uint32]map[uint32]struct{}{}

	for _, id := range ids {
		coreID, err := readUintFile(cpuFile(id, "topology/core_id"))
		if err != nil {
			return CPU{}, fmt.Errorf("topology: cpu%d: %w", id, err)
		}
		socketID, err := readUintFile(cpuFile(id, "topology/physical_package_id"))
		if err != nil {
			return CPU{}, fmt.Errorf("topology: cpu%d: %w", id, err)
		}
		siblings, err := readCPUList(cpuFile(id, "topology/thread_siblings_list"))
		if err != nil {
			return CPU{}, fmt.Errorf("topology: cpu%d: %w", id, err)
		}

		hwThreads[id] = HWThread{
			Thread: threadIndex(id, siblings),
			Core:   coreID,
			Socket: socketID,
			NUMA:   numaOf[id],
		}
		sockets[socketID] = struct{}{}
		if coresBySocket[socketID] == nil {
			coresBySocket[socketID] = map[uint32]struct{}{}
		}
		coresBySocket[socketID][coreID] = struct{}{}
	}

	topo := CPU{HWThreads: hwThreads}
	topo.Sockets = uint32(len(sockets))

	maxCores := uint32(0)
	for _, cores := range coresBySocket {
		if n := uint32(len(cores)); n > maxCores {
			maxCores = n
		}
	}
	topo.CoresPerSocket = maxCores
	if topo.CoresPerSocket > 0 {
		topo.ThreadsPerCore = uint32(len(ids)) / topo.Sockets / topo.CoresPerSocket
	}
	topo.SMT = topo.ThreadsPerCore > 1

	if err := topo.fillCacheSizes(ids[0]); err != nil {
		return CPU{}, fmt.Errorf("topology: %w", err)
	}

	return topo, nil
}

func cpuFile(id uint32, rel string) string {
	return filepath.Join(sysCPUDir, fmt.Sprintf("cpu%d", id), rel)
}

func onlineCPUIDs() ([]uint32, error) {
	entries, err := os.ReadDir(sysCPUDir)
	if err != nil {
		return nil, err
	}
	var ids []uint32
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "cpu") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, "cpu"))
		if err != nil {
			continue // "cpuidle", "cpufreq", and similar siblings under the same dir
		}
		if _, err := os.Stat(filepath.Join(sysCPUDir, name, "topology")); err != nil {
			continue
		}
		ids = append(ids, uint32(n))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// numaMapping builds hw-thread-id -> NUMA node id from each node's cpulist.
// A host with no NUMA nodes reported is treated as a single node 0.
func numaMapping() (map[uint32]uint32, error) {
	mapping := map[uint32]uint32{}
	entries, err := os.ReadDir(sysNodeDir)
	if err != nil {
		return mapping, nil // NUMA directory entirely absent: leave empty, callers default to 0
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "node") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, "node"))
		if err != nil {
			continue
		}
		cpus, err := readCPUList(filepath.Join(sysNodeDir, name, "cpulist"))
		if err != nil {
			continue
		}
		for _, cpu := range cpus {
			mapping[cpu] = uint32(n)
		}
	}
	return mapping, nil
}

// threadIndex reports this CPU's position (0-based) within its own sibling
// list, i.e. which SMT thread of its core it is.
func threadIndex(id uint32, siblings []uint32) uint32 {
	for i, sibling := range siblings {
		if sibling == id {
			return uint32(i)
		}
	}
	return 0
}

func readUintFile(path string) (uint32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	return uint32(n), nil
}

// readCPUList parses the kernel's comma-separated range-list format, e.g.
// "0-3,8,10-11", as used by thread_siblings_list and node cpulist files.
func readCPUList(path string) ([]uint32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ids []uint32
	for _, part := range strings.Split(strings.TrimSpace(string(data)), ",") {
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			loN, err := strconv.Atoi(lo)
			if err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
			hiN, err := strconv.Atoi(hi)
			if err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
			for i := loN; i <= hiN; i++ {
				ids = append(ids, uint32(i))
			}
		} else {
			n, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
			ids = append(ids, uint32(n))
		}
	}
	return ids, nil
}

// cacheLevel mirrors one entry of cpu0's cache/index* directories.
type cacheLevel struct {
	level int
	typ   string
	size  uint32 // bytes
	cpus  int    // sharing this instance
}

// fillCacheSizes derives per-instance and per-socket/total cache sizes
// from a single representative CPU's cache/index* entries; the per-socket
// instance count follows from how many threads share each instance.
func (t *CPU) fillCacheSizes(representative uint32) error {
	base := cpuFile(representative, "cache")
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // cache topology unavailable on this kernel/arch; leave zeroed
		}
		return err
	}

	var levels []cacheLevel
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "index") {
			continue
		}
		dir := filepath.Join(base, e.Name())
		levelN, err := readUintFile(filepath.Join(dir, "level"))
		if err != nil {
			continue
		}
		typ, err := os.ReadFile(filepath.Join(dir, "type"))
		if err != nil {
			continue
		}
		sizeRaw, err := os.ReadFile(filepath.Join(dir, "size"))
		if err != nil {
			continue
		}
		size, err := parseCacheSize(string(sizeRaw))
		if err != nil {
			continue
		}
		sharedList, err := readCPUList(filepath.Join(dir, "shared_cpu_list"))
		if err != nil || len(sharedList) == 0 {
			sharedList = []uint32{representative}
		}
		levels = append(levels, cacheLevel{
			level: int(levelN),
			typ:   strings.TrimSpace(string(typ)),
			size:  size,
			cpus:  len(sharedList),
		})
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].level < levels[j].level })

	level := 0
	for _, cl := range levels {
		threadsPerInstance := cl.cpus
		if threadsPerInstance == 0 {
			threadsPerInstance = 1
		}
		instances := int(t.CoresPerSocket*t.ThreadsPerCore) / threadsPerInstance
		if instances == 0 {
			instances = 1
		}
		levelSize := cl.size * uint32(instances)
		t.CachePerSocket += levelSize

		if cl.typ == "Instruction" {
			continue // L1i counts toward the per-socket totals only
		}

		switch level {
		case 0:
			t.L1Cache, t.L1CachePerSocket, t.L1CacheTotal = cl.size, levelSize, levelSize*t.Sockets
		case 1:
			t.L2Cache, t.L2CachePerSocket, t.L2CacheTotal = cl.size, levelSize, levelSize*t.Sockets
		case 2:
			t.L3Cache, t.L3CachePerSocket, t.L3CacheTotal = cl.size, levelSize, levelSize*t.Sockets
		}
		level++
	}
	t.CacheTotal = t.CachePerSocket * t.Sockets
	return nil
}

// parseCacheSize converts sysfs's "32K" / "1024K" / "8M" cache size strings
// to bytes.
func parseCacheSize(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty cache size")
	}
	unit := s[len(s)-1]
	numPart := s
	multiplier := uint64(1)
	switch unit {
	case 'K', 'k':
		multiplier = 1024
		numPart = s[:len(s)-1]
	case 'M', 'm':
		multiplier = 1024 * 1024
		numPart = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(numPart, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n * multiplier), nil
}
