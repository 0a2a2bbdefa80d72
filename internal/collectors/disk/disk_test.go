package disk

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/megware/xbatd/internal/queue"
	"github.com/zoobzio/clockz"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

const sampleOutput = `{
  "sysstat": {
    "hosts": [
      {
        "statistics": [
          {
            "disk": [
              {"disk_device": "sda", "rkB/s": 100.0, "wkB/s": 200.0, "rMB/s": 0.0, "wMB/s": 0.0},
              {"disk_device": "loop0", "rkB/s": 999.0, "wkB/s": 999.0, "rMB/s": 0.0, "wMB/s": 0.0}
            ]
          }
        ]
      }
    ]
  }
}`

func TestCollectSkipsLoopDevicesAndScalesUnits(t *testing.T) {
	clock := clockz.NewFakeClock()
	q := queue.New()
	run := func(ctx context.Context, intervalSeconds int) ([]byte, error) {
		return []byte(sampleOutput), nil
	}
	c := New(time.Second, clock.Now(), clock, testLogger(), q, run)

	if err := c.collect(context.Background()); err != nil {
		t.Fatal(err)
	}

	entries, ok := q.TryDrainAll()
	if !ok {
		t.Fatal("expected records")
	}
	if len(entries.DeviceFloat) != 2 {
		t.Fatalf("expected 2 records (loop0 skipped), got %d", len(entries.DeviceFloat))
	}
	for _, r := range entries.DeviceFloat {
		if r.DeviceID != "sda" {
			t.Errorf("unexpected device %q, loop devices must be skipped", r.DeviceID)
		}
		switch r.Name {
		case "disk_read_bytes":
			if r.Value != 100*1024 {
				t.Errorf("disk_read_bytes = %f, want %f", r.Value, 100*1024.0)
			}
		case "disk_write_bytes":
			if r.Value != 200*1024 {
				t.Errorf("disk_write_bytes = %f, want %f", r.Value, 200*1024.0)
			}
		}
	}
}

func TestCollectSourceUnavailableOnRunnerError(t *testing.T) {
	clock := clockz.NewFakeClock()
	q := queue.New()
	run := func(ctx context.Context, intervalSeconds int) ([]byte, error) {
		return nil, errRunnerFailed
	}
	c := New(time.Second, clock.Now(), clock, testLogger(), q, run)

	err := c.collect(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
}

var errRunnerFailed = testErr("iostat not found")

type testErr string

func (e testErr) Error() string { return string(e) }
