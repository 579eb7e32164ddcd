package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/actulab/stationhub/internal/broker"
)

func main() {
	// Set up logging
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	// Load configuration
	cfg, err := broker.LoadConfig(os.Getenv("STATIONHUB_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Initialize database
	db, err := broker.InitDatabase(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer func() { _ = db.Close() }()

	// Create server and rebuild occupancy from the store
	server := broker.New(cfg, broker.NewDBStore(db), log)
	if err := server.Restore(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to restore station occupancy")
	}

	// Handle shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("shutting down...")
		os.Exit(0)
	}()

	// Run server
	if err := server.Run(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}
