package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/okzk/sdnotify"
	"go.uber.org/zap"

	"github.com/ruocuoguo23/chain-proxy/healthmanager"
	"github.com/ruocuoguo23/chain-proxy/logutils"
	"github.com/ruocuoguo23/chain-proxy/metrics"
	"github.com/ruocuoguo23/chain-proxy/params"
	"github.com/ruocuoguo23/chain-proxy/proxy"
	"github.com/ruocuoguo23/chain-proxy/signal"
	"github.com/ruocuoguo23/chain-proxy/upgrade"
)

var (
	gitCommit  = "rely on linker: -ldflags -X main.gitCommit"
	buildStamp = "rely on linker: -ldflags -X main.buildStamp"
)

var (
	configPath   = flag.String("config", "config.yaml", "Path to the YAML configuration file")
	upgradeMode  = flag.Bool("upgrade", false, "Inherit listening sockets from the running instance")
	logLevel     = flag.String("log", "info", `Log level, one of: "error", "warn", "info", "debug"`)
	logFile      = flag.String("logfile", "", "Path to the log file")
	printVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *printVersion {
		fmt.Printf("chain-proxy %s %s\n", gitCommit, buildStamp)
		return
	}

	cfg, err := params.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logutils.BuildLogger(*logLevel, *logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	signal.SetLogger(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("chain-proxy exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *params.Config, logger *zap.Logger) error {
	namespace := cfg.Monitor.System
	if namespace == "" {
		namespace = "chain_proxy"
	}
	if _, err := metrics.Init(namespace); err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	health, err := healthmanager.NewManager(cfg, logger)
	if err != nil {
		return err
	}
	svc, err := proxy.NewService(cfg, health, logger)
	if err != nil {
		return err
	}

	specs := make([]upgrade.ListenSpec, 0)
	for _, la := range svc.ListenAddrs() {
		specs = append(specs, upgrade.ListenSpec{Name: la.Name, Addr: la.Addr})
	}

	coord := upgrade.NewCoordinator(cfg.Server, logger)
	set, err := coord.Acquire(specs, *upgradeMode)
	if err != nil {
		return err
	}
	defer set.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	health.Start(ctx)
	defer health.Stop()

	if err := svc.Serve(set.Map()); err != nil {
		return err
	}

	handoff, err := coord.ServeControl(set)
	if err != nil {
		return err
	}
	defer coord.Close()

	if err := upgrade.WritePidFile(cfg.Server.PidFile); err != nil {
		logger.Warn("pid file not written", zap.Error(err))
	}
	defer func() {
		if err := upgrade.RemovePidFile(cfg.Server.PidFile); err != nil {
			logger.Warn("pid file not removed", zap.Error(err))
		}
	}()

	_ = sdnotify.Ready()
	logger.Info("chain-proxy started",
		zap.Int("pid", os.Getpid()),
		zap.Bool("upgraded", *upgradeMode),
		zap.Int("chains", len(cfg.AllChains())))

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	handedOff := false
	select {
	case sig := <-sigCh:
		logger.Info("signal received, draining", zap.String("signal", sig.String()))
	case <-handoff:
		handedOff = true
		logger.Info("successor took over, draining")
	case err := <-svc.Err():
		return err
	}

	_ = sdnotify.Stopping()
	coord.Close()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Server.GracePeriod())
	defer drainCancel()
	if err := svc.Shutdown(drainCtx); err != nil {
		logger.Warn("drain incomplete", zap.Error(err))
	}

	if handedOff {
		coord.AnnounceDrained()
		coord.AnnounceComplete()
	}
	logger.Info("chain-proxy stopped")
	return nil
}
