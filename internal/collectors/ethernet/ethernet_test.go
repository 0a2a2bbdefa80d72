package ethernet

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/megware/xbatd/internal/measurement"
	"github.com/megware/xbatd/internal/queue"
	"github.com/zoobzio/clockz"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestEmitAggregatesAndSkipsLoopback(t *testing.T) {
	clock := clockz.NewFakeClock()
	q := queue.New()
	c := New(time.Second, clock.Now(), clock, testLogger(), q)

	previous := map[string]ifaceCounters{
		"lo":   {rxBytes: 1000, rxPackets: 10, txBytes: 1000, txPackets: 10},
		"eth0": {rxBytes: 100, rxPackets: 1, txBytes: 200, txPackets: 2},
		"eth1": {rxBytes: 50, rxPackets: 1, txBytes: 60, txPackets: 1},
	}
	current := map[string]ifaceCounters{
		"lo":   {rxBytes: 5000, rxPackets: 50, txBytes: 5000, txPackets: 50},
		"eth0": {rxBytes: 300, rxPackets: 3, txBytes: 400, txPackets: 4},
		"eth1": {rxBytes: 150, rxPackets: 3, txBytes: 160, txPackets: 3},
	}

	c.emit(previous, current)

	entries, ok := q.TryDrainAll()
	if !ok {
		t.Fatal("expected records to have been pushed")
	}
	if len(entries.BasicFloat) != 4 {
		t.Fatalf("expected 4 records, got %d", len(entries.BasicFloat))
	}
	want := map[string]float64{
		"eth_rx_bytes":   300, // (300-100)+(150-50)
		"eth_tx_bytes":   300, // (400-200)+(160-60)
		"eth_rx_packets": 4,   // (3-1)+(3-1)
		"eth_tx_packets": 4,
	}
	for _, r := range entries.BasicFloat {
		if r.Level != measurement.LevelNode {
			t.Errorf("%s: level = %v, want node", r.Name, r.Level)
		}
		if got, ok := want[r.Name]; !ok {
			t.Errorf("unexpected record %q", r.Name)
		} else if got != r.Value {
			t.Errorf("%s = %f, want %f", r.Name, r.Value, got)
		}
	}
}

func TestReadNetDevSkipsLoopbackAndHeaders(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "net_dev")
	contents := `Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
    lo: 1000      10    0    0    0     0          0         0     1000      10    0    0    0     0       0          0
  eth0:  100       1    0    0    0     0          0         0      200       2    0    0    0     0       0          0
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	previous := procNetDevPathOverride
	procNetDevPathOverride = path
	defer func() { procNetDevPathOverride = previous }()

	results, err := readNetDev()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := results["lo"]; ok {
		t.Error("loopback interface should not appear in parsed results")
	}
	if results["eth0"].rxBytes != 100 {
		t.Errorf("eth0 rxBytes = %d, want 100", results["eth0"].rxBytes)
	}
	if results["eth0"].txPackets != 2 {
		t.Errorf("eth0 txPackets = %d, want 2", results["eth0"].txPackets)
	}
}
