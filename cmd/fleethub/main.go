package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/HerbHall/fleethub/internal/command"
	"github.com/HerbHall/fleethub/internal/config"
	"github.com/HerbHall/fleethub/internal/event"
	"github.com/HerbHall/fleethub/internal/fleet"
	"github.com/HerbHall/fleethub/internal/hub"
	"github.com/HerbHall/fleethub/internal/metrics"
	"github.com/HerbHall/fleethub/internal/registry"
	"github.com/HerbHall/fleethub/internal/server"
	"github.com/HerbHall/fleethub/internal/session"
	"github.com/HerbHall/fleethub/internal/telemetry"
	"github.com/HerbHall/fleethub/internal/version"
	"github.com/HerbHall/fleethub/pkg/plugin"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	dev := flag.Bool("dev", false, "use a human-readable development logger")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	v, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleethub: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(v.GetString("log.level"), *dev || v.GetString("log.format") == "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleethub: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("FleetHub server starting", zap.String("version", version.Short()))

	bus := event.NewBus(logger.Named("event"))
	m := metrics.New()
	devices := fleet.NewRegistry(logger.Named("fleet"))

	sessions := session.New(devices, bus)
	hubModule := hub.New(devices, bus, sessions, m)

	// Modules stop in reverse order: the hub closes connections before the
	// telemetry sinks drain.
	reg := registry.New(logger)
	modules := []plugin.Plugin{
		telemetry.New(bus, m),
		sessions,
		command.New(devices),
		hubModule,
	}
	for _, p := range modules {
		if err := reg.Register(p); err != nil {
			logger.Fatal("failed to register module", zap.Error(err))
		}
	}

	if err := reg.InitAll(config.New(v)); err != nil {
		logger.Fatal("failed to initialize modules", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reg.StartAll(ctx); err != nil {
		logger.Fatal("failed to start modules", zap.Error(err))
	}

	addr := v.GetString("server.host") + ":" + v.GetString("server.port")
	srv := server.New(addr, reg, m, logger.Named("server"), server.Options{
		RateLimit: v.GetFloat64("server.rate_limit.rps"),
		Burst:     v.GetInt("server.rate_limit.burst"),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("FleetHub server ready", zap.String("addr", addr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	reg.StopAll(shutdownCtx)

	logger.Info("FleetHub server stopped")
}

// newLogger builds a JSON production logger, or a console development
// logger when dev is set.
func newLogger(level string, dev bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	if dev {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
