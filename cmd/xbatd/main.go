// Command xbatd is the per-node telemetry daemon: one process per batch
// job, sampling hardware and OS counters on a fixed schedule and writing
// them to ClickHouse for the duration of the job.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/megware/xbatd/internal/config"
	"github.com/megware/xbatd/internal/controlplane"
	"github.com/megware/xbatd/internal/lifecycle"
	"github.com/megware/xbatd/internal/topology"
	"github.com/megware/xbatd/internal/xlog"
	"github.com/zoobzio/clockz"
)

const logFilePath = "/var/log/xbatd/xbatd.log"

// Exit codes.
const (
	OK int = iota
	BadArgs
	ConfigError
	TopologyError
	BootstrapError
	EngineError
)

func main() {
	os.Exit(run())
}

func run() int {
	help := flag.Bool("help", false, "this help text")
	flag.BoolVar(help, "h", false, "short for -help")
	configPath := flag.String("config", config.DefaultPath, "path to the daemon's INI config file")
	flag.StringVar(configPath, "c", config.DefaultPath, "short for -config")
	jobFlag := flag.Uint("job", 0, "job id to monitor (default: read from "+config.JobIDFile+")")
	flag.UintVar(jobFlag, "j", 0, "short for -job")

	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage:\n  xbatd [flags]")
		fmt.Fprintln(os.Stderr, "Description:\n  per-node batch job telemetry daemon")
		fmt.Fprintln(os.Stderr, "Options:")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *help {
		flag.Usage()
		return OK
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xbatd: loading config: %v\n", err)
		return ConfigError
	}

	logger, closeLog, fileErr := xlog.New(cfg.General, logFilePath)
	if fileErr != nil {
		// Console-only when the log directory isn't provisioned.
		logger, closeLog, err = xlog.New(cfg.General, "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "xbatd: setting up logging: %v\n", err)
			return ConfigError
		}
		logger.Warn("cannot open log file, logging to console only", "path", logFilePath, "error", fileErr)
	}
	defer closeLog()

	jobID := uint32(*jobFlag)
	if jobID == 0 {
		jobID, err = config.ReadJobID()
		if err != nil {
			logger.Error("resolving job id", "error", err)
			return BadArgs
		}
	}

	topo, err := topology.Snapshot()
	if err != nil {
		logger.Error("snapshotting cpu topology", "error", err)
		return TopologyError
	}

	ctrl := &lifecycle.Controller{
		Config:       cfg,
		JobID:        jobID,
		Topology:     topo,
		Clock:        clockz.RealClock,
		Logger:       logger,
		ControlPlane: controlplane.New(cfg.RestAPI),
	}

	// A first SIGINT/SIGTERM requests a graceful drain (cancelling the
	// signal context Engine.Run watches); a second one exits immediately
	// with failure. The operator's second Ctrl-C means "stop waiting".
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		<-sigs
		logger.Error("second interrupt received, exiting immediately")
		os.Exit(EngineError)
	}()

	jobCfg, anchor, err := ctrl.Bootstrap(sigCtx)
	if err != nil {
		logger.Error("bootstrap failed", "error", err)
		return BootstrapError
	}

	if !jobCfg.EnableMonitoring {
		logger.Info("monitoring disabled for this job, exiting", "job_id", jobID)
		return OK
	}

	engine, err := ctrl.NewEngine(context.Background(), jobCfg, anchor)
	if err != nil {
		logger.Error("assembling engine", "error", err)
		return EngineError
	}

	if err := engine.Run(sigCtx); err != nil {
		logger.Error("engine exited with error", "error", err)
		return EngineError
	}
	return OK
}
