// The hydra-sentinel server keeps a Hydra instance's build machines
// registered, awake, and woken: it accepts websocket connections from
// builders, polls the build queue, broadcasts wake-on-LAN packets at
// wanted-but-absent machines, and regenerates the machines file Hydra
// reads its SSH builders from.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nathanregner/hydra-sentinel/internal/hydra"
	"github.com/nathanregner/hydra-sentinel/internal/sentinel"
)

func main() {
	_ = godotenv.Load()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	cfg, err := sentinel.LoadConfig(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	setLogLevel(cfg.LogLevel)

	store, err := sentinel.NewStore(log, cfg.HeartbeatTimeout.Std(), cfg.BuildMachines)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid fleet catalog")
	}

	writer, err := sentinel.NewMachinesFileWriter(log, store, cfg.HydraMachinesFile)
	if err != nil {
		log.Fatal().Err(err).Msg("machines file not writable")
	}

	hydraClient := hydra.NewClient(cfg.HydraBaseURL)
	server := sentinel.NewServer(cfg, store, hydraClient, log)
	poller := sentinel.NewQueuePoller(log, store, hydraClient)
	wake := sentinel.NewWakeBroadcaster(log, store)
	sweeper := sentinel.NewStaleSweeper(log, store)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("hydra", cfg.HydraBaseURL).
		Int("builders", len(cfg.BuildMachines)).
		Msg("hydra-sentinel starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error { return poller.Run(ctx) })
	g.Go(func() error { return wake.Run(ctx) })
	g.Go(func() error { return writer.Run(ctx) })
	g.Go(func() error { return sweeper.Run(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("sentinel failed")
	}
	log.Info().Msg("shutdown complete")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
