package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/fennwick/sentinel-egress/internal/app"
	"github.com/fennwick/sentinel-egress/internal/app/handlers"
	"github.com/fennwick/sentinel-egress/internal/binding"
	"github.com/fennwick/sentinel-egress/internal/config"
	"github.com/fennwick/sentinel-egress/internal/dispatch"
	"github.com/fennwick/sentinel-egress/internal/engine"
	"github.com/fennwick/sentinel-egress/internal/fingerprint"
	"github.com/fennwick/sentinel-egress/internal/janitor"
	"github.com/fennwick/sentinel-egress/internal/logger"
	"github.com/fennwick/sentinel-egress/internal/pool"
	"github.com/fennwick/sentinel-egress/internal/session"
	"github.com/fennwick/sentinel-egress/internal/version"
	"github.com/fennwick/sentinel-egress/pkg/container"
	"github.com/fennwick/sentinel-egress/pkg/eventbus"
	"github.com/fennwick/sentinel-egress/pkg/format"
	"github.com/fennwick/sentinel-egress/pkg/nerdstats"
	"github.com/fennwick/sentinel-egress/pkg/profiler"
)

func main() {
	startTime := time.Now()
	vlog := log.New(log.Writer(), "", 0)
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.PrintVersionInfo(true, vlog)
		os.Exit(0)
	}
	version.PrintVersionInfo(false, vlog)

	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	lcfg := &logger.Config{
		Level:      cfg.Logging.Level,
		FileOutput: cfg.Logging.Output != "stdout" && cfg.Logging.Output != "",
		LogDir:     cfg.Logging.Output,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		PrettyLogs: cfg.Logging.Format != "json",
		Theme:      cfg.Logging.Theme,
	}
	logInstance, styledLogger, cleanup, err := logger.NewWithTheme(lcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()
	slog.SetDefault(logInstance)

	styledLogger.Info("initialising", "version", version.Version, "pid", os.Getpid(), "containerised", container.IsContainerised())

	if os.Getenv("SENTINEL_PROFILER") != "" {
		profiler.InitialiseProfiler()
		styledLogger.Info("pprof profiler listening", "addr", "localhost:19841")
	}

	ipPool := pool.New(cfg.Pool.Prefix, cfg.Pool.Start, cfg.Pool.Count, logInstance)
	registry := fingerprint.Default()
	bindings := binding.New(registry, cfg.Engine)
	sessions := session.NewManager(cfg.Session)

	eng := engine.New(ipPool, bindings, sessions, cfg.Engine, cfg.Pool, cfg.Breaker, cfg.Session, cfg.Whitelist, logInstance)

	bus := eventbus.New[dispatch.Event]()
	defer bus.Shutdown()
	dispatcher := dispatch.New(eng, cfg.Dispatch, bus)

	jan := janitor.New(ipPool, bindings, sessions, eng, dispatcher, cfg.Janitor, logInstance)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		styledLogger.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	go jan.Run(ctx)

	deps := handlers.Deps{
		Pool:       ipPool,
		Bindings:   bindings,
		Sessions:   sessions,
		Engine:     eng,
		Dispatcher: dispatcher,
		Started:    startTime,
	}
	server := app.NewServer(cfg.Server, logInstance, deps)

	go func() {
		styledLogger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil {
			slog.Default().Error("server stopped", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		styledLogger.Error("error during http server shutdown", "error", err)
	}

	jan.Shutdown(cfg.Server.ShutdownGrace)

	reportProcessStats(styledLogger, startTime)
	styledLogger.Info("sentinel has shutdown")
}

func reportProcessStats(logger *logger.StyledLogger, startTime time.Time) {
	runtime.GC()

	stats := nerdstats.Snapshot(startTime)

	logger.Info("process memory stats",
		"heap_alloc", format.Bytes(stats.HeapAlloc),
		"heap_sys", format.Bytes(stats.HeapSys),
		"heap_inuse", format.Bytes(stats.HeapInuse),
		"heap_released", format.Bytes(stats.HeapReleased),
		"stack_inuse", format.Bytes(stats.StackInuse),
		"total_alloc", format.Bytes(stats.TotalAlloc),
		"memory_pressure", stats.GetMemoryPressure(),
	)

	logger.Info("process allocation stats",
		"total_mallocs", stats.Mallocs,
		"total_frees", stats.Frees,
		"net_objects", int64(stats.Mallocs)-int64(stats.Frees),
	)

	if stats.NumGC > 0 {
		logger.Info("garbage collection stats",
			"num_gc_cycles", stats.NumGC,
			"last_gc", stats.LastGC.Format(time.RFC3339),
			"total_gc_time", format.Duration(stats.TotalGCTime),
			"gc_cpu_fraction", fmt.Sprintf("%.4f%%", stats.GCCPUFraction*100),
		)
	}

	logger.Info("goroutine stats",
		"num_goroutines", stats.NumGoroutines,
		"goroutine_health", stats.GetGoroutineHealthStatus(),
		"num_cgo_calls", stats.NumCgoCall,
	)

	logger.Info("runtime stats",
		"uptime", format.Duration(stats.Uptime),
		"go_version", stats.GoVersion,
		"num_cpu", stats.NumCPU,
		"gomaxprocs", stats.GOMAXPROCS,
	)

	logger.Info("process health summary",
		"memory_pressure", stats.GetMemoryPressure(),
		"goroutine_status", stats.GetGoroutineHealthStatus(),
		"uptime", format.Duration(stats.Uptime),
		"avg_gc_pause", nerdstats.CalculateAverageGCPause(stats),
	)
}
