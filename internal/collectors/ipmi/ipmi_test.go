package ipmi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/megware/xbatd/internal/collector"
	"github.com/megware/xbatd/internal/queue"
	"github.com/zoobzio/clockz"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

const samplePlainOutput = `
Current Power                        : 412 Watts
Instantaneous power reading:                   412 Watts
Minimum during sampling period:                380 Watts
`

func TestCollectParsesPlainForm(t *testing.T) {
	clock := clockz.NewFakeClock()
	q := queue.New()
	run := func(ctx context.Context, args ...string) ([]byte, error) {
		return []byte(samplePlainOutput), nil
	}
	c := New(time.Second, clock.Now(), clock, testLogger(), q, run)

	if err := c.collect(context.Background()); err != nil {
		t.Fatal(err)
	}
	entries, ok := q.TryDrainAll()
	if !ok {
		t.Fatal("expected a record")
	}
	if len(entries.BasicFloat) != 1 || entries.BasicFloat[0].Value != 412 {
		t.Fatalf("expected ipmi_power_system=412, got %+v", entries.BasicFloat)
	}
}

func TestCollectRetriesBridgedFormOnFirstFailure(t *testing.T) {
	clock := clockz.NewFakeClock()
	q := queue.New()
	calls := 0
	run := func(ctx context.Context, args ...string) ([]byte, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("plain form failed")
		}
		if args[0] != "-b" {
			t.Fatalf("expected bridged retry to pass -b, got %v", args)
		}
		return []byte(samplePlainOutput), nil
	}
	c := New(time.Second, clock.Now(), clock, testLogger(), q, run)

	if err := c.collect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls (plain then bridged), got %d", calls)
	}
}

func TestCollectSelfTerminatesAfterBothFail(t *testing.T) {
	clock := clockz.NewFakeClock()
	q := queue.New()
	run := func(ctx context.Context, args ...string) ([]byte, error) {
		return nil, errors.New("no BMC")
	}
	c := New(time.Second, clock.Now(), clock, testLogger(), q, run)

	err := c.collect(context.Background())
	if !errors.Is(err, collector.ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
}
