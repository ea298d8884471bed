package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"rdeer/internal/appversion"
	"rdeer/pkg/config"
	"rdeer/pkg/eventlog"
	"rdeer/pkg/metrics"
	"rdeer/pkg/notify"
	"rdeer/pkg/registry"
	"rdeer/pkg/server"
	"rdeer/pkg/supervisor"
	"rdeer/pkg/watcher"
)

// shutdownTimeout bounds stopping every worker on exit.
const shutdownTimeout = 30 * time.Second

// serveFlags holds the serve command's flags. Only flags the user set
// override the config file and environment.
type serveFlags struct {
	configPath    string
	port          int
	bindHost      string
	engine        string
	watchInterval time.Duration
	probeTimeout  time.Duration
	tmpDir        string
	logDir        string
	eventsDB      string
	metricsListen string
	ntfy          string
	noEvents      bool
}

// newServeCmd creates the "rdeer serve" subcommand.
func newServeCmd() *cobra.Command {
	var f serveFlags

	cmd := &cobra.Command{
		Use:   "serve <index_dir>",
		Short: "Serve the Reindeer indexes found under a directory",
		Long: "Watches index_dir for Reindeer indexes and serves client requests.\n" +
			"Each started index runs in its own worker process.\n\n" +
			"Settings are read from defaults, then --config, then RDEER_* variables, then flags.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(f.configPath, os.Getenv)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.IndexDir = args[0]
			}
			f.apply(cmd, &cfg)
			if err := cfg.Validate(true); err != nil {
				return err
			}

			logger := newLogger(cmd.Context())
			return runServe(cmd.Context(), cfg, logger)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.configPath, "config", os.Getenv("RDEER_CONFIG"), "TOML config file (env RDEER_CONFIG)")
	fl.IntVarP(&f.port, "port", "p", 0, "client listen port (default 12800)")
	fl.StringVar(&f.bindHost, "bind-host", "", "host workers listen on (default 127.0.0.1)")
	fl.StringVar(&f.engine, "engine", "", "worker binary (default reindeer_socket)")
	fl.DurationVar(&f.watchInterval, "watch-interval", 0, "reconciliation period (default 8s)")
	fl.DurationVar(&f.probeTimeout, "probe-timeout", 0, "readiness probe timeout (default 1s)")
	fl.StringVar(&f.tmpDir, "tmp-dir", "", "directory for per-query scratch files (default /tmp)")
	fl.StringVar(&f.logDir, "log-dir", "", "write each worker's output to <log-dir>/<index>/output.log")
	fl.StringVar(&f.eventsDB, "events-db", "", "SQLite event log (default ~/.rdeer/events.db)")
	fl.BoolVar(&f.noEvents, "no-events", false, "disable the event log")
	fl.StringVar(&f.metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address, e.g. :9812")
	fl.StringVarP(&f.ntfy, "ntfy", "n", "", "ntfy topic or URL notified when an index enters error")

	return cmd
}

// apply copies every flag the user set onto cfg.
func (f *serveFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("port") {
		cfg.Port = f.port
	}
	if changed("bind-host") {
		cfg.BindHost = f.bindHost
	}
	if changed("engine") {
		cfg.Engine = f.engine
	}
	if changed("watch-interval") {
		cfg.WatchInterval = f.watchInterval
	}
	if changed("probe-timeout") {
		cfg.ProbeTimeout = f.probeTimeout
	}
	if changed("tmp-dir") {
		cfg.TmpDir = f.tmpDir
	}
	if changed("log-dir") {
		cfg.LogDir = f.logDir
	}
	if changed("events-db") {
		cfg.EventsDB = f.eventsDB
	}
	if f.noEvents {
		cfg.EventsDB = ""
	}
	if changed("metrics-listen") {
		cfg.MetricsListen = f.metricsListen
	}
	if changed("ntfy") {
		cfg.NtfyURL = f.ntfy
	}
}

// newLogger builds the server logger from RDEER_LOG_* variables.
func newLogger(ctx context.Context) pslog.Logger {
	return pslog.LoggerFromEnv(ctx,
		pslog.WithEnvPrefix("RDEER_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	)
}

// runServe wires the server together and blocks until SIGINT/SIGTERM, then
// stops every worker.
func runServe(ctx context.Context, cfg config.Config, logger pslog.Logger) error {
	unlock, err := lockRoot(cfg.LockDir, cfg.IndexDir)
	if err != nil {
		return err
	}
	defer unlock()

	sup := supervisor.New(supervisor.Options{
		Engine:   cfg.Engine,
		BindHost: cfg.BindHost,
		LogDir:   cfg.LogDir,
		Logger:   logger,
	})
	reg := registry.New(registry.Config{
		Root:         cfg.IndexDir,
		TmpDir:       cfg.TmpDir,
		WorkerHost:   cfg.BindHost,
		ProbeTimeout: cfg.ProbeTimeout,
		Logger:       logger,
	}, sup)
	srv := server.New(server.Config{
		Addr:    cfg.ListenAddr(),
		Version: appversion.Protocol(),
		Logger:  logger,
	}, reg)
	w := watcher.New(watcher.Config{
		Root:     cfg.IndexDir,
		Markers:  cfg.Markers,
		Interval: cfg.WatchInterval,
		Logger:   logger,
	}, reg)

	collector := metrics.New(metrics.DefaultNamespace)
	collector.TrackIndexes(metrics.DefaultNamespace, reg)
	reg.AddObserver(collector)
	srv.AddObserver(collector)

	if cfg.EventsDB != "" {
		events, err := eventlog.Open(cfg.EventsDB, logger)
		if err != nil {
			return err
		}
		defer events.Close()
		reg.AddObserver(events)
		srv.AddObserver(events)
	}

	if cfg.NtfyURL != "" {
		n := notify.New(notify.Config{URL: cfg.NtfyURL, Logger: logger})
		defer n.Close()
		reg.AddObserver(n)
	}

	if err := srv.Listen(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logger.Info("rdeer.start",
		"root", cfg.IndexDir,
		"addr", srv.Addr(),
		"engine", cfg.Engine,
		"version", appversion.String(),
		"protocol", appversion.Protocol(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return srv.Serve(gctx) })
	if cfg.MetricsListen != "" {
		g.Go(func() error { return metrics.Serve(gctx, cfg.MetricsListen, collector, logger) })
	}
	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	logger.Info("rdeer.shutdown", "reason", context.Cause(ctx))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := reg.Shutdown(shutdownCtx); err != nil {
		logger.Warn("rdeer.shutdown.error", "error", err)
	}
	sup.Wait()

	if runErr != nil {
		return fmt.Errorf("serve: %w", runErr)
	}
	return nil
}
