package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/megware/xbatd/internal/collector"
	"github.com/zoobzio/clockz"
)

// Worker is the shape both Writer.Run and Watchdog.Run already have:
// block until ctx is cancelled (or a fatal error occurs), then return.
type Worker interface {
	Run(ctx context.Context) error
}

// pollInterval is how often Run checks whether every collector has
// actually stopped during shutdown.
const pollInterval = time.Second

// Engine supervises one monitoring run: the writer, the watchdog, and
// every collector, until either an external signal or a fatal writer
// error cancels it.
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	writer   Worker
	watchdog Worker

	collectors []collector.Collector

	clock  clockz.Clock
	logger *slog.Logger
}

// Run starts the writer, watchdog, and every collector, then blocks until
// signalCtx is cancelled (an OS signal, per cmd/xbatd) or the writer exits
// on a fatal database error; whichever happens first latches the engine's
// own cancellation, so a fatal write error tears down collection exactly
// as an external signal would. It then stops every collector cooperatively
// and polls their status once a second until none are still running.
func (e *Engine) Run(signalCtx context.Context) error {
	writerErrCh := make(chan error, 1)
	go func() { writerErrCh <- e.writer.Run(e.ctx) }()
	go e.watchdog.Run(e.ctx)

	for _, c := range e.collectors {
		c.Start()
	}

	var writerErr error
	select {
	case <-signalCtx.Done():
		e.logger.Info("shutdown signal received, stopping")
		e.cancel()
		writerErr = <-writerErrCh
	case writerErr = <-writerErrCh:
		e.logger.Error("writer exited, stopping engine", "error", writerErr)
		e.cancel()
	}

	for _, c := range e.collectors {
		c.Stop()
	}
	e.pollUntilStopped()

	return writerErr
}

func (e *Engine) pollUntilStopped() {
	for {
		allStopped := true
		for _, c := range e.collectors {
			if c.Status() == collector.StatusRunning {
				allStopped = false
				break
			}
		}
		if allStopped {
			return
		}
		<-e.clock.After(pollInterval)
	}
}
