package hwperf

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/megware/xbatd/internal/collector"
	"github.com/megware/xbatd/internal/queue"
	"github.com/megware/xbatd/internal/topology"
	"github.com/zoobzio/clockz"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func writeDict(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNormalizeMetricNameStripsUnitAndQualifier(t *testing.T) {
	cases := map[string]string{
		"L2 request rate [per cycle]":           "L2 request rate",
		"Memory bandwidth (channel 0-3) [MB/s]": "Memory bandwidth",
		"CPI":                                   "CPI",
	}
	for raw, want := range cases {
		if got := normalizeMetricName(raw); got != want {
			t.Errorf("normalizeMetricName(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestLoadDictionaryDefaultsScaleAndPrefixesName(t *testing.T) {
	path := writeDict(t, `{
		"L2": {
			"L2 request rate": {"name": "l2_request_rate"},
			"L2 miss ratio": {"name": "l2_miss_ratio", "scale": 100, "level": "node"}
		}
	}`)
	dict, err := LoadDictionary(path)
	if err != nil {
		t.Fatal(err)
	}
	rate, ok := dict["L2"]["L2 request rate"]
	if !ok || rate.Name != "likwid_l2_request_rate" || rate.Scale != 1 || rate.Level != "" {
		t.Errorf("unexpected rate meta: %+v", rate)
	}
	ratio, ok := dict["L2"]["L2 miss ratio"]
	if !ok || ratio.Name != "likwid_l2_miss_ratio" || ratio.Scale != 100 || ratio.Level != "node" {
		t.Errorf("unexpected ratio meta: %+v", ratio)
	}
}

func TestParseAvailableGroups(t *testing.T) {
	out := []byte("MEM1 - Memory bandwidth channel 1\nL2 - L2 cache metrics\n\nFLOPS_DP - double precision flops\n")
	got := parseAvailableGroups(out)
	want := []string{"MEM1", "L2", "FLOPS_DP"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParseTableParsesMetricRows(t *testing.T) {
	out := []byte("TABLE,Group 1 Metric,Core 0,Core 1\n" +
		"Runtime (RDTSC) [s],1.000000,1.000000\n" +
		"L2 request rate,0.512300,0.600000\n")
	table, err := parseTable(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(table["Runtime (RDTSC) [s]"]) != 2 || table["Runtime (RDTSC) [s]"][0] != 1.0 {
		t.Errorf("unexpected runtime row: %v", table["Runtime (RDTSC) [s]"])
	}
	if table["L2 request rate"][1] != 0.6 {
		t.Errorf("unexpected L2 request rate row: %v", table["L2 request rate"])
	}
}

func TestNextOverheadMillisSmoothing(t *testing.T) {
	// next = (prev + 3*current) / 4
	got := nextOverheadMillis(1000, 200)
	want := (1000.0 + 3*200.0) / 4
	if got != want {
		t.Errorf("got %f, want %f", got, want)
	}
}

func sampleTopology() topology.CPU {
	return topology.CPU{
		SMT:            true,
		ThreadsPerCore: 2,
		CoresPerSocket: 1,
		Sockets:        2,
		HWThreads: map[uint32]topology.HWThread{
			0: {Thread: 0, Core: 0, Socket: 0, NUMA: 0},
			1: {Thread: 1, Core: 0, Socket: 0, NUMA: 0},
			2: {Thread: 0, Core: 0, Socket: 1, NUMA: 1},
			3: {Thread: 1, Core: 0, Socket: 1, NUMA: 1},
		},
	}
}

func TestHarvestNodeLevelOnlyFirstCPUReports(t *testing.T) {
	topo := sampleTopology()
	c := &Collector{
		topo:    topo,
		cpus:    []uint32{0, 1, 2, 3},
		setList: []string{"ENERGY"},
		dict: Dictionary{
			"ENERGY": {"Energy": MetricMeta{Name: "likwid_energy", Scale: 1, Level: "node"}},
		},
	}
	tables := map[string]map[string][]float64{
		"ENERGY": {"Energy": {10, 20, 30, 40}},
	}
	out := c.harvest(tables, time.Unix(0, 0))
	if len(out) != 1 {
		t.Fatalf("expected 1 node-level record, got %d: %+v", len(out), out)
	}
	if out[0].Value != 10 {
		t.Errorf("expected value from cpu index 0, got %f", out[0].Value)
	}
}

func TestHarvestSocketLevelOnlyFirstThreadOfFirstCoreReports(t *testing.T) {
	topo := sampleTopology()
	c := &Collector{
		topo:    topo,
		cpus:    []uint32{0, 1, 2, 3},
		setList: []string{"L3"},
		dict: Dictionary{
			"L3": {"L3 bandwidth": MetricMeta{Name: "likwid_l3_bandwidth", Scale: 1, Level: "socket"}},
		},
	}
	tables := map[string]map[string][]float64{
		"L3": {"L3 bandwidth": {1, 2, 3, 4}},
	}
	out := c.harvest(tables, time.Unix(0, 0))
	if len(out) != 2 {
		t.Fatalf("expected 2 socket-level records (one per socket), got %d: %+v", len(out), out)
	}
	sockets := map[uint32]bool{}
	for _, r := range out {
		sockets[r.Socket] = true
	}
	if !sockets[0] || !sockets[1] {
		t.Errorf("expected one record per socket, got %+v", out)
	}
}

func TestHarvestThreadLevelEveryCPUReports(t *testing.T) {
	topo := sampleTopology()
	c := &Collector{
		topo:    topo,
		cpus:    []uint32{0, 1, 2, 3},
		setList: []string{"FLOPS_DP"},
		dict: Dictionary{
			"FLOPS_DP": {"DP MFlops/s": MetricMeta{Name: "likwid_dp_flops", Scale: 1}},
		},
	}
	tables := map[string]map[string][]float64{
		"FLOPS_DP": {"DP MFlops/s": {1, 2, 3, 4}},
	}
	out := c.harvest(tables, time.Unix(0, 0))
	if len(out) != 4 {
		t.Fatalf("expected 4 thread-level records, got %d", len(out))
	}
}

func TestHarvestChannelBasedMemorySetsAggregate(t *testing.T) {
	topo := sampleTopology()
	c := &Collector{
		topo:    topo,
		cpus:    []uint32{0, 1, 2, 3},
		setList: []string{"MEM1", "MEM2"},
		dict: Dictionary{
			"MEM": {"Memory bandwidth": MetricMeta{Name: "likwid_mem_bandwidth", Scale: 1, Level: "node"}},
		},
	}
	tables := map[string]map[string][]float64{
		"MEM1": {"Memory bandwidth": {10, math.NaN(), 0, 0}},
		"MEM2": {"Memory bandwidth": {5, 0, 0, 0}},
	}
	out := c.harvest(tables, time.Unix(0, 0))
	if len(out) != 1 {
		t.Fatalf("expected 1 aggregated node-level record, got %d: %+v", len(out), out)
	}
	if out[0].Value != 15 {
		t.Errorf("expected NaN-tolerant sum 15, got %f", out[0].Value)
	}
}

func TestHarvestNaNValueRoundsToZero(t *testing.T) {
	topo := sampleTopology()
	c := &Collector{
		topo:    topo,
		cpus:    []uint32{0},
		setList: []string{"ENERGY"},
		dict: Dictionary{
			"ENERGY": {"Energy": MetricMeta{Name: "likwid_energy", Scale: 1}},
		},
	}
	tables := map[string]map[string][]float64{
		"ENERGY": {"Energy": {math.NaN()}},
	}
	out := c.harvest(tables, time.Unix(0, 0))
	if len(out) != 1 || out[0].Value != 0 {
		t.Fatalf("expected NaN rounded to 0, got %+v", out)
	}
}

func TestPrepareFailsWhenNoConfiguredSetsAvailable(t *testing.T) {
	path := writeDict(t, `{"L2": {}}`)
	clock := clockz.NewFakeClock()
	q := queue.New()
	c := New(time.Second, clock.Now(), clock, testLogger(), q, sampleTopology(), path, []string{"MEM1"},
		func(ctx context.Context) ([]byte, error) { return []byte("L2 - L2 cache metrics\n"), nil },
		nil)

	err := c.prepare(context.Background())
	if !errors.Is(err, collector.ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestPrepareFailsWhenDictionaryMissing(t *testing.T) {
	clock := clockz.NewFakeClock()
	q := queue.New()
	c := New(time.Second, clock.Now(), clock, testLogger(), q, sampleTopology(),
		filepath.Join(t.TempDir(), "missing.json"), []string{"MEM1"},
		func(ctx context.Context) ([]byte, error) { return []byte("MEM1 - x\n"), nil }, nil)

	err := c.prepare(context.Background())
	if !errors.Is(err, collector.ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestCollectAbortsCycleWhenOverheadExceedsTimeLeft(t *testing.T) {
	clock := clockz.NewFakeClock()
	anchor := clock.Now()
	q := queue.New()
	c := New(50*time.Millisecond, anchor, clock, testLogger(), q, sampleTopology(), "", []string{"MEM1"}, nil, nil)
	c.setList = []string{"MEM1"}
	c.dict = Dictionary{"MEM": {}}
	c.overheadMillis = 10_000 // far larger than the 50ms interval

	c.core.SynchronizeInterval(context.Background())
	if err := c.collect(context.Background()); err == nil {
		t.Fatal("expected collect to abort the cycle with an error")
	}
}

func TestJSONRoundTripSmoke(t *testing.T) {
	// sanity check that the on-disk dictionary format decodes.
	raw := map[string]map[string]rawMetricMeta{
		"MEM1": {"Memory bandwidth": {Name: "mem_bandwidth", Scale: 1}},
	}
	data, err := json.Marshal(raw)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "m.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	dict, err := LoadDictionary(path)
	if err != nil {
		t.Fatal(err)
	}
	if dict["MEM1"]["Memory bandwidth"].Name != "likwid_mem_bandwidth" {
		t.Errorf("unexpected round trip: %+v", dict)
	}
}
