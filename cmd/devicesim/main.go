package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HerbHall/fleethub/internal/devicesim"
	"github.com/HerbHall/fleethub/internal/version"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws/esp32", "hub device websocket URL")
	profilePath := flag.String("profile", "", "path to a YAML device profile (default: built-in ESP32 node)")
	count := flag.Int("count", 1, "number of simulated devices")
	dev := flag.Bool("dev", false, "use a human-readable development logger")
	flag.Parse()

	newLogger := zap.NewProduction
	if *dev {
		newLogger = zap.NewDevelopment
	}
	logger, err := newLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "devicesim: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("device simulator starting",
		zap.String("version", version.Short()),
		zap.String("url", *url),
		zap.Int("count", *count),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for i := range *count {
		profile, err := devicesim.LoadProfile(*profilePath)
		if err != nil {
			logger.Fatal("failed to load profile", zap.Error(err))
		}
		if *count > 1 && *profilePath != "" {
			profile.DeviceID = fmt.Sprintf("%s-%d", profile.DeviceID, i+1)
		}
		agent := devicesim.NewAgent(*url, profile, logger.Named("device"))
		g.Go(func() error { return agent.Run(ctx) })
	}

	if err := g.Wait(); err != nil {
		logger.Error("device simulator stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("device simulator stopped")
}
