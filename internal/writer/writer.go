// Package writer drains the measurement queue into ClickHouse: a fixed
// poll interval, grouping of each drained batch by destination table, one
// insert per table, and a two-way error classification (missing table is a
// warning, everything else is fatal and latches the engine-wide
// cancellation).
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	chgo "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/megware/xbatd/internal/config"
	"github.com/megware/xbatd/internal/measurement"
	"github.com/megware/xbatd/internal/queue"
)

// PollInterval is how often the writer attempts a drain.
const PollInterval = 10 * time.Second

// dbConn is the narrow slice of chgo.Conn the writer actually calls, so
// tests can substitute a fake without implementing the full driver surface.
type dbConn interface {
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Close() error
}

// Writer owns the single connection draining q into ClickHouse.
type Writer struct {
	conn     dbConn
	queue    *queue.Queue
	jobID    uint32
	hostname string
	cancel   context.CancelFunc
	logger   *slog.Logger
}

// New opens the ClickHouse connection and constructs a Writer. cancel is
// invoked exactly once, the first time a fatal database error occurs,
// latching the engine-wide shutdown.
func New(cfg config.ClickHouse, jobID uint32, hostname string, q *queue.Queue, cancel context.CancelFunc, logger *slog.Logger) (*Writer, error) {
	conn, err := chgo.Open(&chgo.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: chgo.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("writer: opening clickhouse connection: %w", err)
	}
	return &Writer{
		conn:     conn,
		queue:    q,
		jobID:    jobID,
		hostname: hostname,
		cancel:   cancel,
		logger:   logger.With("module", "writer"),
	}, nil
}

// Run polls the queue every PollInterval and inserts whatever has
// accumulated, until ctx is cancelled. A fatal database error latches
// cancellation and returns the error to the caller; a missing-table error is
// logged and the remaining tables in the batch are still attempted.
func (w *Writer) Run(ctx context.Context) error {
	w.logger.Info("starting clickhouse writer")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(PollInterval):
		}
		if ctxDone(ctx) {
			return nil
		}

		entries, ok := w.queue.TryDrainAll()
		if !ok {
			continue
		}

		if err := w.send(ctx, entries); err != nil {
			w.logger.Error("fatal database error", "error", err)
			w.cancel()
			return err
		}
	}
}

func ctxDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (w *Writer) send(ctx context.Context, e queue.Entries) error {
	total := len(e.BasicInt) + len(e.BasicFloat) + len(e.DeviceInt) + len(e.DeviceFloat) + len(e.TopologyInt) + len(e.TopologyFloat)
	if total == 0 {
		return nil
	}
	w.logger.Debug("sending measurements to clickhouse", "count", total)

	if err := insertBasic(ctx, w, groupBasicInt(e.BasicInt)); err != nil {
		return err
	}
	if err := insertBasic(ctx, w, groupBasicFloat(e.BasicFloat)); err != nil {
		return err
	}
	if err := insertDevice(ctx, w, groupDeviceInt(e.DeviceInt)); err != nil {
		return err
	}
	if err := insertDevice(ctx, w, groupDeviceFloat(e.DeviceFloat)); err != nil {
		return err
	}
	if err := insertTopology(ctx, w, groupTopologyInt(e.TopologyInt)); err != nil {
		return err
	}
	if err := insertTopology(ctx, w, groupTopologyFloat(e.TopologyFloat)); err != nil {
		return err
	}
	return nil
}

// basicRow is the column tuple shared by BasicInt and BasicFloat once
// reduced to an insertable value.
type basicRow struct {
	level string
	value any
	ts    time.Time
}

type deviceRow struct {
	level    string
	deviceID string
	value    any
	ts       time.Time
}

// topologyRow narrows the locality tags to the column widths of the
// destination schema (thread/core UInt16, numa/socket UInt8).
type topologyRow struct {
	level        string
	thread, core uint16
	numa, socket uint8
	value        any
	ts           time.Time
}

func groupBasicInt(rows []measurement.BasicInt) map[string][]basicRow {
	m := map[string][]basicRow{}
	for _, r := range rows {
		m[r.Name] = append(m[r.Name], basicRow{level: string(r.Level), value: uint64(r.Value), ts: r.TS})
	}
	return m
}

func groupBasicFloat(rows []measurement.BasicFloat) map[string][]basicRow {
	m := map[string][]basicRow{}
	for _, r := range rows {
		m[r.Name] = append(m[r.Name], basicRow{level: string(r.Level), value: r.Value, ts: r.TS})
	}
	return m
}

func groupDeviceInt(rows []measurement.DeviceInt) map[string][]deviceRow {
	m := map[string][]deviceRow{}
	for _, r := range rows {
		m[r.Name] = append(m[r.Name], deviceRow{level: string(r.Level), deviceID: r.DeviceID, value: uint64(r.Value), ts: r.TS})
	}
	return m
}

func groupDeviceFloat(rows []measurement.DeviceFloat) map[string][]deviceRow {
	m := map[string][]deviceRow{}
	for _, r := range rows {
		m[r.Name] = append(m[r.Name], deviceRow{level: string(r.Level), deviceID: r.DeviceID, value: r.Value, ts: r.TS})
	}
	return m
}

func groupTopologyInt(rows []measurement.TopologyInt) map[string][]topologyRow {
	m := map[string][]topologyRow{}
	for _, r := range rows {
		m[r.Name] = append(m[r.Name], topologyRow{
			level:  string(r.Level),
			thread: uint16(r.Thread), core: uint16(r.Core),
			numa: uint8(r.NUMA), socket: uint8(r.Socket),
			value: uint64(r.Value), ts: r.TS,
		})
	}
	return m
}

func groupTopologyFloat(rows []measurement.TopologyFloat) map[string][]topologyRow {
	m := map[string][]topologyRow{}
	for _, r := range rows {
		m[r.Name] = append(m[r.Name], topologyRow{
			level:  string(r.Level),
			thread: uint16(r.Thread), core: uint16(r.Core),
			numa: uint8(r.NUMA), socket: uint8(r.Socket),
			value: r.Value, ts: r.TS,
		})
	}
	return m
}

func (w *Writer) insertTable(ctx context.Context, table string, appendRows func(b driver.Batch) error) error {
	batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO "+table)
	if err != nil {
		if isMissingTable(err) {
			w.logger.Warn("skipping insert into missing table", "table", table)
			return nil
		}
		return fmt.Errorf("preparing insert into %s: %w", table, err)
	}
	if err := appendRows(batch); err != nil {
		return fmt.Errorf("appending rows for %s: %w", table, err)
	}
	if err := batch.Send(); err != nil {
		if isMissingTable(err) {
			w.logger.Warn("skipping insert into missing table", "table", table)
			return nil
		}
		return fmt.Errorf("inserting into %s: %w", table, err)
	}
	return nil
}

func insertBasic(ctx context.Context, w *Writer, byTable map[string][]basicRow) error {
	for table, rows := range byTable {
		err := w.insertTable(ctx, table, func(b driver.Batch) error {
			for _, r := range rows {
				if err := b.Append(w.jobID, w.hostname, r.level, r.value, r.ts); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func insertDevice(ctx context.Context, w *Writer, byTable map[string][]deviceRow) error {
	for table, rows := range byTable {
		err := w.insertTable(ctx, table, func(b driver.Batch) error {
			for _, r := range rows {
				if err := b.Append(w.jobID, w.hostname, r.level, r.deviceID, r.value, r.ts); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func insertTopology(ctx context.Context, w *Writer, byTable map[string][]topologyRow) error {
	for table, rows := range byTable {
		err := w.insertTable(ctx, table, func(b driver.Batch) error {
			for _, r := range rows {
				if err := b.Append(w.jobID, w.hostname, r.level, r.thread, r.core, r.numa, r.socket, r.value, r.ts); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// isMissingTable classifies a ClickHouse "doesn't exist" error as
// table-missing, which is warn-and-skip rather than fatal.
func isMissingTable(err error) bool {
	var chErr *chgo.Exception
	if errors.As(err, &chErr) {
		return strings.Contains(strings.ToLower(chErr.Message), "doesn't exist") ||
			strings.Contains(strings.ToLower(chErr.Message), "does not exist")
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "doesn't exist") || strings.Contains(msg, "does not exist")
}

// Close releases the underlying connection.
func (w *Writer) Close() error {
	return w.conn.Close()
}
