package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rbl-policyd/pkg/config"
	"rbl-policyd/pkg/logging"
	"rbl-policyd/pkg/pidfile"
	"rbl-policyd/pkg/policy"
	"rbl-policyd/pkg/rbl"
	"rbl-policyd/pkg/resolver"
	"rbl-policyd/pkg/server"
	"rbl-policyd/pkg/stats"
	"rbl-policyd/pkg/telemetry"
)

var (
	configPath  = flag.String("config", "", "Path to daemon configuration file (YAML)")
	rblPath     = flag.String("c", "", "Path to RBL table (default "+config.DefaultRBLFile+")")
	pidPath     = flag.String("p", "", "Path to pid file (default "+config.DefaultPIDFile+")")
	maxWorkers  = flag.Int("m", -1, "Maximum concurrent workers, 0 handles requests one at a time")
	debug       = flag.Bool("d", false, "Log at debug level")
	checkOnly   = flag.Bool("check", false, "Load and print the RBL table, then exit")
	showVersion = flag.Bool("version", false, "Print version and exit")
	version     = "dev"
	buildTime   = "unknown"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options] [/path/to/socket | host/port | port]\n\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("rbl-policyd %s (built %s)\n", version, buildTime)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *checkOnly {
		os.Exit(check(cfg.RBLFile))
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		usage()
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file, if any, and applies command line
// overrides
func loadConfig() (*config.Config, error) {
	cfg := config.LoadWithDefaults()
	if *configPath != "" {
		var err error
		if cfg, err = config.Read(*configPath); err != nil {
			return nil, err
		}
	}

	if *rblPath != "" {
		cfg.RBLFile = *rblPath
	}
	if *pidPath != "" {
		cfg.PIDFile = *pidPath
	}
	if *maxWorkers >= 0 {
		cfg.Server.SetMaxWorkers(*maxWorkers)
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}
	if flag.NArg() > 0 {
		cfg.Server.Listen = flag.Arg(0)
	}
	return cfg, nil
}

// check prints the parsed table and returns the exit code
func check(path string) int {
	table, err := rbl.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if err := table.Dump(os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}

// run serves until a shutdown signal. Errors are logged before returning.
func run(cfg *config.Config) (err error) {
	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return err
	}
	defer func() { _ = logger.Close() }()
	logging.SetGlobal(logger)
	defer func() {
		if err != nil {
			logger.Error("rbl-policyd failed", "error", err)
		}
	}()

	logger.Info("rbl-policyd starting",
		"version", version,
		"build_time", buildTime,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := telem.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during telemetry shutdown", "error", err)
		}
	}()

	metrics, err := telem.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	removed, err := pidfile.Check(cfg.PIDFile)
	if err != nil {
		return err
	}
	if removed {
		logger.Debug("Removed stale pid file", "path", cfg.PIDFile)
	}

	table, err := rbl.Load(cfg.RBLFile)
	if err != nil {
		return err
	}
	logger.Info("RBL table loaded", "path", cfg.RBLFile, "rbls", table.Len())
	metrics.SetInitialTableSize(ctx, table.Len())

	exemptions, err := policy.NewExemptions(cfg.Exemptions)
	if err != nil {
		return err
	}

	lookup := resolver.New(&cfg.Resolver, logger.WithField("component", "resolver"))

	endpoint, err := server.ParseEndpoint(cfg.Server.Listen)
	if err != nil {
		return err
	}
	listener, err := server.Listen(ctx, endpoint)
	if err != nil {
		return err
	}

	pid := os.Getpid()
	if err := pidfile.Write(cfg.PIDFile, pid); err != nil {
		_ = listener.Close()
		return err
	}
	defer func() {
		if err := pidfile.Remove(cfg.PIDFile, pid); err != nil {
			logger.Warn("Could not remove pid file", "path", cfg.PIDFile, "error", err)
		}
	}()

	daemon := server.NewDaemon(server.Options{
		Listener:   listener,
		Live:       rbl.NewLive(table),
		RBLFile:    cfg.RBLFile,
		Resolver:   lookup,
		Exemptions: exemptions,
		Server:     cfg.Server,
		Reload:     cfg.Reload,
		Stats:      stats.NewCollector(),
		Logger:     logger,
		Metrics:    metrics,
	})

	if cfg.Reload.Watch {
		watcher, err := config.NewWatcher(cfg.RBLFile, logger.WithField("component", "watcher").Logger)
		if err != nil {
			logger.Warn("RBL table watch disabled", "error", err)
		} else {
			defer func() { _ = watcher.Close() }()
			watcher.OnChange(daemon.RequestReload)
			go func() {
				if err := watcher.Start(ctx); err != nil {
					logger.Warn("RBL table watcher stopped", "error", err)
				}
			}()
		}
	}

	sigChan := make(chan os.Signal, 4)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sigChan)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigChan:
				switch sig {
				case syscall.SIGHUP:
					logger.Info("Received reload signal")
					daemon.RequestReload()
				case syscall.SIGUSR1:
					daemon.ReportStats(ctx)
				default:
					logger.Info("Received shutdown signal", "signal", sig.String())
					cancel()
					return
				}
			}
		}
	}()

	logger.Info("rbl-policyd is running",
		"listen", endpoint.String(),
		"pid", pid,
		"resolvers", lookup.Upstreams(),
	)

	if err := daemon.Serve(ctx); err != nil {
		return err
	}
	logger.Info("rbl-policyd stopped")
	return nil
}
