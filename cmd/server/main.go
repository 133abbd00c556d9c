package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/blackmichael/nearby-feeds/internal/config"
	"github.com/blackmichael/nearby-feeds/internal/domain"
	"github.com/blackmichael/nearby-feeds/internal/httpserver"
	"github.com/blackmichael/nearby-feeds/internal/metrics"
	"github.com/blackmichael/nearby-feeds/internal/realtime"
	"github.com/blackmichael/nearby-feeds/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))

	repo, err := storage.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("create repository: %w", err)
	}
	defer repo.Close()
	logger.Info("connected to database", "driver", cfg.Database.Driver)

	// Changes from every source land on the hub; views subscribe to it.
	hub := realtime.NewHub(logger)
	var publisher domain.ChangePublisher = hub

	kafkaCfg := realtime.KafkaConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.Topic,
		GroupID: cfg.Kafka.GroupID,
	}
	if cfg.KafkaEnabled() {
		kafkaPublisher, err := realtime.NewKafkaPublisher(kafkaCfg, logger)
		if err != nil {
			return fmt.Errorf("create kafka publisher: %w", err)
		}
		defer kafkaPublisher.Close()
		publisher = kafkaPublisher
	}

	m := metrics.New()
	feedService, err := domain.NewFeedService(cfg.FeedConfigs(), repo, repo, logger,
		domain.WithChangeFeed(hub),
		domain.WithWriter(repo),
		domain.WithPublisher(publisher),
		domain.WithRecorder(m),
		domain.WithLocationTimeout(cfg.LocationTimeout),
		domain.WithRetryDelay(cfg.StoreRetryDelay),
		domain.WithRefreshRate(rate.Limit(cfg.RefreshRate)),
	)
	if err != nil {
		return fmt.Errorf("create feed service: %w", err)
	}

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := feedService.Start(ctx); err != nil {
		return fmt.Errorf("start feed service: %w", err)
	}

	if cfg.RealtimeURL != "" {
		tables := make([]string, 0, len(feedService.FeedSets()))
		for _, set := range feedService.FeedSets() {
			tables = append(tables, string(set))
		}
		subscriber := realtime.NewSubscriber(cfg.RealtimeURL, tables, hub, logger)
		go func() {
			if err := subscriber.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("change stream subscriber exited with error", "error", err)
			}
		}()
	}

	if cfg.KafkaEnabled() {
		source, err := realtime.NewKafkaSource(kafkaCfg, hub, logger)
		if err != nil {
			return fmt.Errorf("create kafka source: %w", err)
		}
		defer source.Close()
		go func() {
			if err := source.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("kafka change source exited with error", "error", err)
			}
		}()
	}

	go feedService.StartJanitor(ctx, cfg.CacheSweepInterval)

	server := httpserver.NewServer(cfg, feedService, m, logger)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited with error", "error", err)
		}
	}()

	logger.Info("server started", "port", cfg.Port, "kafka", cfg.KafkaEnabled(), "realtime", cfg.RealtimeURL != "")

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	return nil
}
