// The hydra-sentinel builder agent runs on each build machine. It holds
// a websocket to the sentinel server as a liveness channel and
// suppresses local sleep while the server reports queued work for this
// machine's system types.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/nathanregner/hydra-sentinel/internal/builder"
)

func main() {
	_ = godotenv.Load()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	cfg, err := builder.LoadConfig(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	setLogLevel(cfg.LogLevel)

	log.Info().
		Str("host_name", cfg.HostName).
		Str("server", cfg.ServerAddr).
		Msg("builder agent starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := builder.New(cfg, log, builder.NopAwaker{})
	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("builder agent failed")
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
