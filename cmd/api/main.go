package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/principalanalytics/internal/api"
	"example.com/principalanalytics/internal/app"
	"example.com/principalanalytics/internal/auth"
	"example.com/principalanalytics/internal/config"
	"example.com/principalanalytics/internal/observability"
	"example.com/principalanalytics/internal/observer"
	"example.com/principalanalytics/internal/outbox"
	httptransport "example.com/principalanalytics/internal/transport/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.ServiceName, cfg.OTelEndpoint)
	if err != nil {
		log.Fatalf("failed to set up tracing: %v", err)
	}

	fatalCh := make(chan error, 1)
	onFatal := func(err error) {
		select {
		case fatalCh <- err:
		default:
		}
	}

	rt, err := app.Open(ctx, cfg, onFatal)
	if err != nil {
		log.Fatalf("failed to start engine: %v", err)
	}
	defer rt.Close()

	// The in-process source store pushes its own change notifications.
	if rt.MemorySources != nil {
		obs := observer.New(rt.Scheduler, rt.MemorySources)
		rt.MemorySources.Subscribe(obs)
		go func() {
			if err := obs.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("observer stopped: %v", err)
			}
		}()
	}

	if cfg.BackfillOnStart {
		if _, err := rt.Backfill(ctx); err != nil {
			log.Printf("backfill failed: %v", err)
		}
	}

	var dispatcher *outbox.Dispatcher
	if rt.Pool != nil && cfg.KafkaEnabled() {
		producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
		defer producer.Close()

		registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
		dispatcher = outbox.NewDispatcher(rt.Pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		go dispatcher.Start(ctx)
	}

	limiter := httptransport.NewSubjectLimiter(cfg.RefreshRatePerMinute, 2)
	go limiter.RunSweeper(time.Minute, ctx.Done())

	handler := api.NewHandler(rt.Service, api.WithStats(rt.Scheduler), api.WithRefreshLimiter(limiter))
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	// Basic request logger
	logger := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
		})
	}

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})
	server := httptransport.NewServer(httptransport.DefaultServerConfig(cfg.HTTPAddress), authMiddleware.Wrap(logger(mux)))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("principal-analytics listening on %s (store=%s)", cfg.HTTPAddress, cfg.SnapshotStore)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	select {
	case <-shutdownCh:
	case err := <-fatalCh:
		log.Printf("snapshot store failure, shutting down: %v", err)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	if dispatcher != nil {
		dispatcher.Wait()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("tracing shutdown failed: %v", err)
	}
}
