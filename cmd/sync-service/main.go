package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tasksync/config"
	"tasksync/internal/store"
	"tasksync/internal/sync"
)

func main() {
	// Parse flags
	var (
		port = flag.String("port", "", "Port to listen on (overrides config)")
		env  = flag.String("env", "dev", "Environment (dev, staging, prod)")
		dsn  = flag.String("postgres-dsn", "", "Postgres DSN for snapshot storage (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*env)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *dsn != "" {
		cfg.PostgresDSN = *dsn
	}

	// Pick the snapshot store.
	var snapshots store.Store
	if cfg.PostgresDSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pg.Close()
		snapshots = pg
		log.Println("Snapshot store: postgres")
	} else {
		snapshots = store.NewMemory()
		log.Println("Snapshot store: in-memory (snapshots will not survive a restart)")
	}

	// Session policy from config.
	sessionCfg := sync.DefaultConfig()
	sessionCfg.PresenceTTL = cfg.PresenceTTL
	sessionCfg.ReorderTimeout = cfg.ReorderTimeout
	sessionCfg.CompactThreshold = cfg.CompactThreshold
	sessionCfg.CompactMaxAge = cfg.CompactMaxAge

	service := sync.NewService(sessionCfg, snapshots)
	if err := service.Start(); err != nil {
		log.Fatalf("Failed to start service: %v", err)
	}

	// Set up HTTP routes
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(service.GetMetrics())
	})

	// WebSocket endpoint: replicas join a document with their first frame.
	mux.HandleFunc("/ws", service.HandleWebSocket)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	// Graceful shutdown: drain every session so final snapshots are flushed
	// before the process exits.
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		service.Shutdown(ctx)
		server.Close()
	}()

	log.Printf("Sync service starting on port %s (env: %s)", cfg.Port, cfg.Env)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}
}
