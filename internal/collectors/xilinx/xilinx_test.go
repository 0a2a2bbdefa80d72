package xilinx

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/megware/xbatd/internal/collector"
	"github.com/megware/xbatd/internal/queue"
	"github.com/zoobzio/clockz"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestParsePowerBDFsKeepsOnlyDotOneSuffix(t *testing.T) {
	out := []byte(
		"3d:00.0 Processing accelerators: Xilinx Corporation Device 5004\n" +
			"3d:00.1 Processing accelerators: Xilinx Corporation Device 5005\n" +
			"5e:00.0 Ethernet controller: Mellanox Technologies MT2892\n")
	bdfs := parsePowerBDFs(out)
	if len(bdfs) != 1 || bdfs[0] != "3d:00.1" {
		t.Fatalf("unexpected bdfs: %v", bdfs)
	}
}

func TestRunSelfTerminatesWhenListerFails(t *testing.T) {
	clock := clockz.NewFakeClock()
	q := queue.New()
	c := New(time.Second, clock.Now(), clock, testLogger(), q, func(ctx context.Context) ([]byte, error) {
		return nil, errors.New("lspci: not found")
	})

	err := c.run(context.Background())
	if !errors.Is(err, collector.ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestRunSelfTerminatesWhenNoFPGAsPresent(t *testing.T) {
	clock := clockz.NewFakeClock()
	q := queue.New()
	c := New(time.Second, clock.Now(), clock, testLogger(), q, func(ctx context.Context) ([]byte, error) {
		return []byte("0000:5e:00.0 Ethernet controller: Mellanox Technologies MT2892\n"), nil
	})

	err := c.run(context.Background())
	if !errors.Is(err, collector.ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestReadPowerWattsConvertsMicrowatts(t *testing.T) {
	root := t.TempDir()
	previous := sysPCIDevicesDir
	sysPCIDevicesDir = root
	defer func() { sysPCIDevicesDir = previous }()

	hwmonDir := filepath.Join(root, "0000:3d:00.1", "hwmon", "hwmon3")
	if err := os.MkdirAll(hwmonDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(hwmonDir, "power1_input"), []byte("42500000\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	watts, err := readPowerWatts("3d:00.1")
	if err != nil {
		t.Fatal(err)
	}
	if watts != 42.5 {
		t.Errorf("got %f watts, want 42.5", watts)
	}
}

func TestCollectEmitsDeviceLevelPowerPerBDF(t *testing.T) {
	root := t.TempDir()
	previous := sysPCIDevicesDir
	sysPCIDevicesDir = root
	defer func() { sysPCIDevicesDir = previous }()

	for _, bdf := range []string{"3d:00.1", "5e:00.1"} {
		hwmonDir := filepath.Join(root, "0000:"+bdf, "hwmon", "hwmon0")
		if err := os.MkdirAll(hwmonDir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(hwmonDir, "power1_input"), []byte("10000000\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	clock := clockz.NewFakeClock()
	q := queue.New()
	c := New(time.Second, clock.Now(), clock, testLogger(), q, nil)
	c.bdfs = []string{"3d:00.1", "5e:00.1"}

	if err := c.collect(context.Background()); err != nil {
		t.Fatal(err)
	}

	entries, ok := q.TryDrainAll()
	if !ok {
		t.Fatal("expected queued records")
	}
	if len(entries.DeviceFloat) != 2 {
		t.Fatalf("expected 2 records, got %d", len(entries.DeviceFloat))
	}
	for _, r := range entries.DeviceFloat {
		if r.Name != "fpga_power" || r.Value != 10 {
			t.Errorf("unexpected record: %+v", r)
		}
	}
}
