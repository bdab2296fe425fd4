package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"example.com/principalanalytics/internal/app"
	"example.com/principalanalytics/internal/config"
	"example.com/principalanalytics/internal/consumer"
	"example.com/principalanalytics/internal/observability"
	"example.com/principalanalytics/internal/observer"
)

// The consumer turns collaborator change feeds into coalesced rebuilds against the shared
// Postgres snapshot store. Manual refreshes stay with the API process; the Redis lease keeps the
// two from building the same principal at once.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if cfg.SnapshotStore != config.StorePostgres {
		log.Fatalf("consumer requires SNAPSHOT_STORE=%s", config.StorePostgres)
	}
	if !cfg.KafkaEnabled() {
		log.Fatal("consumer requires KAFKA_BROKERS")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.ServiceName+"-consumer", cfg.OTelEndpoint)
	if err != nil {
		log.Fatalf("failed to set up tracing: %v", err)
	}

	fatalCh := make(chan error, 1)
	rt, err := app.Open(ctx, cfg, func(err error) {
		select {
		case fatalCh <- err:
		default:
		}
	})
	if err != nil {
		log.Fatalf("failed to start engine: %v", err)
	}
	defer rt.Close()

	obs := observer.New(rt.Scheduler, rt.Sources)
	handler := consumer.NewChangeHandler(obs)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Printf("consumer metrics listening on %s", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	var wg sync.WaitGroup
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := obs.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("observer stopped: %v", err)
		}
	}()

	for _, topic := range cfg.ConsumerTopics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:         cfg.KafkaBrokers,
			GroupID:         cfg.ConsumerGroupID,
			Topic:           topic,
			MinBytes:        1,
			MaxBytes:        10e6,
			MaxWait:         500 * time.Millisecond,
			CommitInterval:  time.Second,
			ReadLagInterval: -1,
		})

		proc := consumer.NewProcessor(reader, handler)

		wg.Add(1)
		go func(topic string, r *kafka.Reader) {
			defer wg.Done()
			defer r.Close()

			log.Printf("consumer started (topic=%s, group=%s)", topic, cfg.ConsumerGroupID)
			if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("consumer stopped with error (topic=%s): %v", topic, err)
			}
		}(topic, reader)
	}

	if cfg.BackfillOnStart {
		if _, err := rt.Backfill(ctx); err != nil {
			log.Printf("backfill failed: %v", err)
		}
	}

	select {
	case <-stop:
		log.Println("consumer shutdown requested")
	case err := <-fatalCh:
		log.Printf("snapshot store failure, shutting down: %v", err)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}

	wg.Wait()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("tracing shutdown failed: %v", err)
	}
}
