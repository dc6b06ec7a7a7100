// Command audiolink runs one audio streaming client: a sender that captures
// the default input device or a listener that plays the stream back.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lisuiheng/audiolink-go/audio/device"
	"github.com/lisuiheng/audiolink-go/core"
	"github.com/lisuiheng/audiolink-go/logger"
	"github.com/lisuiheng/audiolink-go/observe"
	"golang.org/x/sync/errgroup"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("c", "", "Path to config file (default searches ./config.yaml, ./config/config.yaml, /etc/audiolink/config.yaml)")
	role := flag.String("role", "", "Override system.role (sender or listener)")
	debug := flag.Bool("debug", false, "Enable debug logging on stdout")
	flag.Parse()

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audiolink: %v\n", err)
		return 1
	}
	if *role != "" {
		cfg.System.Role = *role
	}
	if *debug {
		cfg.Logging.Level = "debug"
		cfg.Logging.Outputs = []string{"stdout"}
	}

	if err := logger.Init(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "audiolink: failed to initialize logger: %v\n", err)
		return 1
	}
	log := logger.Logger()
	defer log.Info("Shutting down audiolink")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	var metrics *observe.Metrics
	if cfg.Metrics.Enabled {
		provider, err := observe.InitProvider()
		if err != nil {
			log.Error("Failed to initialize metrics", "error", err)
			return 1
		}
		defer func() {
			if err := provider.Shutdown(context.Background()); err != nil {
				log.Warn("Failed to shut down metrics provider", "error", err)
			}
		}()
		metrics = observe.DefaultMetrics()
		g.Go(func() error { return provider.Serve(gctx, cfg.Metrics.Listen, log) })
	}

	deps := core.Dependencies{
		Capture: device.NewMalgoCapture(log),
		Sinks:   &device.PortAudioOpener{Logger: log, QueueChunks: cfg.Playback.SinkQueue},
		Metrics: metrics,
	}
	client, err := core.NewClient(cfg, deps, log)
	if err != nil {
		log.Error("Failed to create client", "error", err)
		return 1
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Error("Failed to close client", "error", err)
		}
	}()

	g.Go(func() error {
		log.Info("Starting audiolink",
			"role", cfg.System.Role,
			"url", cfg.System.Network.Websocket.URL,
			"format", cfg.Format().String())
		return client.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Service runtime error", "error", err)
		return 1
	}
	log.Info("Service shutdown completed")
	return 0
}
