// cmd/api/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"geowatch-system/internal/api"
	"geowatch-system/internal/config"
	"geowatch-system/internal/messaging"
	"geowatch-system/internal/orchestrator"
	"geowatch-system/internal/repository"

	r "gopkg.in/rethinkdb/rethinkdb-go.v6"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Println("=== Starting GeoWatch API Server ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logConfig(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rethinkSession, err := connectToRethinkDB(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to RethinkDB: %v", err)
	}
	defer rethinkSession.Close()

	log.Println("✓ Connected to RethinkDB")

	if err := setupDatabase(rethinkSession, cfg.DBName, cfg.JobTableName); err != nil {
		log.Fatalf("Failed to setup database: %v", err)
	}
	log.Println("✓ Database setup completed")

	redisClient, err := connectToRedis(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	log.Println("✓ Connected to Redis")

	repo := repository.NewJobRepository(rethinkSession, cfg.JobTableName)
	orch := orchestrator.New(repo, redisClient, cfg.StaleJobTimeout)

	// Reconciliation sweep: placeholders whose report never arrived are
	// eventually finalized failed instead of hanging in_progress.
	go orch.RunSweeper(ctx, cfg.SweepInterval)

	apiServer := api.NewServer(orch, cfg)

	healthServer := startHealthServer(cfg.HealthPort, redisClient, rethinkSession)

	log.Printf("✓ Starting REST API server on %s", cfg.ServerPort)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- apiServer.Start()
	}()

	waitForShutdown(cancel, apiServer, healthServer, serverErrors)

	log.Println("=== API Server Stopped Gracefully ===")
}

func logConfig(cfg *config.Config) {
	log.Printf("Configuration:")
	log.Printf("  Redis URL: %s", cfg.RedisURL)
	log.Printf("  Redis Stream: %s", cfg.StreamName)
	log.Printf("  Dispatch Backlog Cap: %d", cfg.MaxBacklog)
	log.Printf("  RethinkDB URL: %s", cfg.RethinkDBURL)
	log.Printf("  Database: %s", cfg.DBName)
	log.Printf("  Job Table: %s", cfg.JobTableName)
	log.Printf("  Server Port: %s", cfg.ServerPort)
	log.Printf("  Health Port: %s", cfg.HealthPort)
	log.Printf("  Sweep Interval: %s", cfg.SweepInterval)
	log.Printf("  Stale Job Timeout: %s", cfg.StaleJobTimeout)
}

func connectToRethinkDB(cfg *config.Config) (*r.Session, error) {
	maxRetries := 10
	var session *r.Session
	var err error

	for i := 1; i <= maxRetries; i++ {
		log.Printf("Connecting to RethinkDB (attempt %d/%d)...", i, maxRetries)

		session, err = r.Connect(r.ConnectOpts{
			Address:    cfg.RethinkDBURL,
			Database:   cfg.DBName,
			MaxOpen:    20,
			InitialCap: 5,
			Timeout:    10 * time.Second,
		})

		if err == nil {
			if testErr := testRethinkDBConnection(session); testErr == nil {
				log.Println("RethinkDB connection successful")
				return session, nil
			}
			session.Close()
		}

		if i < maxRetries {
			waitTime := time.Duration(i) * 2 * time.Second
			log.Printf("Connection failed: %v. Retrying in %v...", err, waitTime)
			time.Sleep(waitTime)
		}
	}

	return nil, fmt.Errorf("failed to connect to RethinkDB after %d attempts: %w", maxRetries, err)
}

func testRethinkDBConnection(session *r.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cursor, err := r.Now().Run(session, r.RunOpts{Context: ctx})
	if err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	defer cursor.Close()

	var result time.Time
	if err := cursor.One(&result); err != nil {
		return fmt.Errorf("failed to read server time: %w", err)
	}

	log.Printf("RethinkDB server time: %v", result)
	return nil
}

func setupDatabase(session *r.Session, dbName, jobTableName string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	runOpts := r.RunOpts{Context: ctx}

	log.Printf("Setting up database '%s'...", dbName)

	cursor, err := r.DBList().Run(session, runOpts)
	if err != nil {
		return fmt.Errorf("failed to list databases: %w", err)
	}
	defer cursor.Close()

	var dbList []string
	if err := cursor.All(&dbList); err != nil {
		return fmt.Errorf("failed to read database list: %w", err)
	}

	dbExists := false
	for _, db := range dbList {
		if db == dbName {
			dbExists = true
			break
		}
	}

	if !dbExists {
		log.Printf("Creating database '%s'...", dbName)
		_, err := r.DBCreate(dbName).RunWrite(session, runOpts)
		if err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
		log.Printf("Database '%s' created", dbName)
	}

	session.Use(dbName)

	log.Printf("Setting up table '%s'...", jobTableName)

	cursor2, err := r.TableList().Run(session, runOpts)
	if err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}
	defer cursor2.Close()

	var tableList []string
	if err := cursor2.All(&tableList); err != nil {
		return fmt.Errorf("failed to read table list: %w", err)
	}

	tableExists := false
	for _, table := range tableList {
		if table == jobTableName {
			tableExists = true
			break
		}
	}

	if !tableExists {
		log.Printf("Creating table '%s'...", jobTableName)
		_, err := r.TableCreate(jobTableName).RunWrite(session, runOpts)
		if err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
		log.Printf("Table '%s' created", jobTableName)

		time.Sleep(1 * time.Second)

		if err := createIndexes(session, jobTableName, ctx); err != nil {
			log.Printf("Warning: Failed to create indexes: %v", err)
		}
	}

	return nil
}

func createIndexes(session *r.Session, tableName string, ctx context.Context) error {
	runOpts := r.RunOpts{Context: ctx}

	indexes := []string{"status", "area_id", "created_at"}

	for _, index := range indexes {
		log.Printf("Creating index '%s'...", index)

		_, err := r.Table(tableName).IndexCreate(index).RunWrite(session, runOpts)
		if err != nil && !isIndexExistsError(err) {
			return fmt.Errorf("failed to create index %s: %w", index, err)
		}
	}

	_, err := r.Table(tableName).IndexWait().RunWrite(session, runOpts)
	if err != nil {
		return fmt.Errorf("failed to wait for indexes: %w", err)
	}

	log.Println("All indexes created successfully")
	return nil
}

func isIndexExistsError(err error) bool {
	errStr := err.Error()
	return strings.Contains(errStr, "already exists")
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

func startHealthServer(port string, msgClient messaging.DispatchClient, session *r.Session) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, rr *http.Request) {
		if err := msgClient.HealthCheck(); err != nil {
			http.Error(w, fmt.Sprintf("Redis: %v", err), http.StatusServiceUnavailable)
			return
		}

		ctx, cancel := context.WithTimeout(rr.Context(), 3*time.Second)
		defer cancel()

		cursor, err := r.Expr(1).Run(session, r.RunOpts{Context: ctx})
		if err != nil {
			http.Error(w, fmt.Sprintf("RethinkDB: %v", err), http.StatusServiceUnavailable)
			return
		}
		cursor.Close()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","service":"api","timestamp":"%s"}`,
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

func waitForShutdown(cancel context.CancelFunc, apiServer *api.Server,
	healthServer *http.Server, serverErrors chan error) {

	osSignals := make(chan os.Signal, 1)
	signal.Notify(osSignals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Printf("Server error: %v", err)
		cancel()

	case sig := <-osSignals:
		log.Printf("Received signal: %v. Starting graceful shutdown...", sig)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}

		if healthServer != nil {
			if err := healthServer.Shutdown(shutdownCtx); err != nil {
				log.Printf("Health server shutdown error: %v", err)
			}
		}

		time.Sleep(2 * time.Second)
	}
}
