package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/actulab/stationhub/internal/config"
	"github.com/actulab/stationhub/internal/device"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if cfg.DeviceID == "" {
		log.Fatal().Msg("STATIONHUB_DEVICE_ID is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("shutting down...")
		cancel()
	}()

	sim := device.New(cfg, log)
	if err := sim.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("device simulator error")
	}
}
