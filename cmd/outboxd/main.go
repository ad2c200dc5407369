package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/erauner12/outbox/internal/db"
	"github.com/erauner12/outbox/internal/ops"
	"github.com/erauner12/outbox/internal/outbox"
	"github.com/erauner12/outbox/internal/publisher"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "outboxd").Logger()

	// Pretty logging for local dev
	if env("ENV", "dev") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database connection
	pgURL := env("DATABASE_URL", "")
	if pgURL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}

	pool, err := db.Open(ctx, pgURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	// Broker connection
	brokers := env("KAFKA_BROKERS", "")
	if brokers == "" {
		log.Fatal().Msg("KAFKA_BROKERS is required")
	}
	pub := publisher.NewKafka(strings.Split(brokers, ","))
	defer pub.Close()

	// Sender
	cfg, err := outbox.ConfigFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid outbox configuration")
	}
	sender := outbox.NewSender(pool, pub, cfg)

	senderDone := make(chan error, 1)
	go func() { senderDone <- sender.Run(ctx) }()

	// Ops HTTP server
	srv := &ops.Server{DB: pool, Sender: sender}
	httpAddr := env("HTTP_ADDR", ":8081")
	httpServer := &http.Server{
		Addr:         httpAddr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpAddr).Msg("starting ops HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("ops HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	<-ctx.Done()
	log.Info().Msg("shutting down gracefully...")

	if err := <-senderDone; err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("sender stopped with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ops HTTP server shutdown error")
	}

	log.Info().Msg("sender stopped")
}
