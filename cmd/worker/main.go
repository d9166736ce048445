// cmd/worker/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"geowatch-system/internal/artifact"
	"geowatch-system/internal/config"
	"geowatch-system/internal/messaging"
	"geowatch-system/internal/report"
	"geowatch-system/internal/worker"
	"geowatch-system/pkg/landcover"
	"geowatch-system/pkg/sentinel"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Println("=== Starting Analysis Worker ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Configuration:")
	log.Printf("  Redis URL: %s", cfg.RedisURL)
	log.Printf("  Redis Stream: %s", cfg.StreamName)
	log.Printf("  Consumer Group: %s", cfg.ConsumerGroup)
	log.Printf("  Backend URL: %s", cfg.BackendURL)
	log.Printf("  Worker Count: %d", cfg.WorkerCount)
	log.Printf("  Job Timeout: %s", cfg.JobTimeout)
	log.Printf("  Health Port: %s", cfg.HealthPort)
	log.Printf("  Artifact Backend: %s", cfg.ArtifactBackend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient, err := connectToRedis(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	log.Println("✓ Connected to Redis")

	store, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize artifact store: %v", err)
	}

	zapLogger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	source := sentinel.NewFileSource(cfg.ImageryFixtureDir, zapLogger)
	selector := sentinel.NewSelector(source, sentinel.WindowPolicy{
		RecencyDays:        cfg.RecencyDays,
		BaselineOffsetDays: cfg.BaselineOffsetDays,
		ToleranceDays:      cfg.ToleranceDays,
	})
	classifier := landcover.NewClassifier(landcover.ClassifierConfig{Logger: zapLogger})
	publisher := artifact.NewPublisher(store)
	reporter := report.NewClient(cfg.BackendURL, cfg.ServiceToken, cfg.ReportMaxAttempts, cfg.ReportBackoff)

	healthServer := startHealthServer(cfg.HealthPort, redisClient)

	workers := createWorkers(cfg, selector, classifier, publisher, reporter, redisClient)
	startWorkers(ctx, workers)

	log.Printf("✓ Started %d workers", len(workers))
	log.Println("Press Ctrl+C to stop")

	waitForShutdown(cancel, workers, healthServer)

	log.Println("=== Worker stopped gracefully ===")
}

func connectToRedis(cfg *config.Config) (messaging.DispatchClient, error) {
	maxRetries := 10
	var client messaging.DispatchClient
	var err error

	for i := 1; i <= maxRetries; i++ {
		log.Printf("Connecting to Redis (attempt %d/%d)...", i, maxRetries)

		client, err = messaging.NewRedisClient(
			cfg.RedisURL,
			cfg.RedisPassword,
			cfg.RedisDB,
			cfg.StreamName,
			cfg.ConsumerGroup,
			cfg.MaxBacklog,
		)

		if err == nil {
			return client, nil
		}

		if i < maxRetries {
			waitTime := time.Duration(i) * 2 * time.Second
			log.Printf("Connection failed: %v. Retrying in %v...", err, waitTime)
			time.Sleep(waitTime)
		}
	}

	return nil, fmt.Errorf("failed to connect to Redis after %d attempts: %w", maxRetries, err)
}

func buildStore(ctx context.Context, cfg *config.Config) (artifact.Store, error) {
	switch cfg.ArtifactBackend {
	case "gcs":
		return artifact.NewGCSStore(ctx, cfg.ArtifactBucket)
	case "file":
		return artifact.NewFSStore(cfg.ArtifactDir), nil
	}
	return nil, fmt.Errorf("unknown artifact backend %q", cfg.ArtifactBackend)
}

func createWorkers(cfg *config.Config, selector worker.AcquisitionSelector,
	classifier worker.RasterClassifier, publisher worker.ArtifactPublisher,
	reporter worker.Reporter, msgClient messaging.DispatchClient) []*worker.Worker {

	workers := make([]*worker.Worker, cfg.WorkerCount)
	hostname, _ := os.Hostname()

	for i := 0; i < cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-%d-%d", hostname, os.Getpid(), i+1)
		w := worker.NewWorker(workerID, selector, classifier, publisher, reporter, msgClient, cfg.JobTimeout)
		workers[i] = w
		log.Printf("Created worker: %s", workerID)
	}

	return workers
}

func startWorkers(ctx context.Context, workers []*worker.Worker) {
	for i, w := range workers {
		go func(idx int, wk *worker.Worker) {
			log.Printf("Starting worker %d", idx+1)

			if err := wk.Start(ctx); err != nil {
				log.Printf("Worker %d stopped with error: %v", idx+1, err)
			}
		}(i, w)
	}
}

func startHealthServer(port string, msgClient messaging.DispatchClient) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := msgClient.HealthCheck(); err != nil {
			http.Error(w, fmt.Sprintf("Redis: %v", err), http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","service":"worker","timestamp":"%s"}`,
			time.Now().UTC().Format(time.RFC3339))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})

	server := &http.Server{
		Addr:         port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Health server listening on %s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Health server error: %v", err)
		}
	}()

	return server
}

func waitForShutdown(cancel context.CancelFunc, workers []*worker.Worker, healthServer *http.Server) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Printf("Received signal: %v", sig)

	log.Println("Initiating graceful shutdown...")

	cancel()

	stopWorkers(workers)

	if healthServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Health server shutdown error: %v", err)
		}
	}

	select {
	case sig := <-sigChan:
		log.Printf("Received second signal: %v - forcing shutdown", sig)
	case <-time.After(10 * time.Second):
		log.Println("Shutdown timeout")
	}

	log.Println("Shutdown completed")
}

func stopWorkers(workers []*worker.Worker) {
	log.Printf("Stopping %d workers...", len(workers))

	for i, w := range workers {
		if w != nil {
			w.Stop()
			log.Printf("Stopped worker %d", i+1)
		}
	}
}
