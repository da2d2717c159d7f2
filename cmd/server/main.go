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

	"notesync/internal/api"
	"notesync/internal/config"
	"notesync/internal/db"
	"notesync/internal/lease"
	"notesync/internal/repository"
	"notesync/internal/services/collaboration"
	"notesync/internal/telemetry"
)

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN WITH OBSERVABILITY

This main function demonstrates:
1. Service initialization and dependency injection
2. Concurrent server, room and flush worker management
3. Distributed tracing with Jaeger
4. Graceful shutdown handling (listening for SIGINT/SIGTERM)
5. Proper resource cleanup order: stop accepting connections, flush every
   room, stop the flush workers, then close the stores
*/

func main() {
	log.Println("🚀 Starting notesync collaboration server...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Initialize Jaeger tracing
	// Learning: Do this FIRST so all operations are traced
	jaegerShutdown, err := telemetry.InitJaeger("notesync", cfg.JaegerEndpoint)
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	// Initialize GORM database
	database, err := db.NewGorm(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Initialize repositories
	noteRepo := repository.NewNoteRepository(database.DB)
	viewRepo := repository.NewViewRepository(database.DB)
	yjsRepo := repository.NewYjsRepository(database.DB)

	checks := map[string]api.HealthCheck{"database": database}

	// Lock leases: Redis when REDIS_URL is set, memory otherwise
	// Learning: rooms live in this process, so run one instance per database.
	// Redis makes the leases outlive a crashed process, it does not let two
	// instances serve the same room.
	var leases collaboration.LeaseStore
	if cfg.RedisURL != "" {
		redisStore, err := lease.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("❌ Failed to connect to Redis: %v", err)
		}
		defer redisStore.Close()
		leases = redisStore
		checks["redis"] = redisStore
		log.Println("✓ Using Redis lock leases")
	} else {
		leases = lease.NewMemoryStore()
		log.Println("✓ Using in-process lock leases")
	}
	locks := collaboration.NewLockArbiter(leases, cfg.LockTimeout)

	// Initialize the persistence scheduler with its worker pool
	// Learning: This creates the worker pool but doesn't start it yet
	scheduler := collaboration.NewScheduler(
		cfg.FlushInterval,
		cfg.FlushMaxRetries,
		cfg.FlushMaxBackoff,
		cfg.FlushWorkers,
	)

	// Start the worker pool
	// Learning: This spawns goroutines that flush dirty rooms concurrently
	scheduler.Start()

	// Initialize the room registry for real-time collaboration
	registry := collaboration.NewRegistry(collaboration.Stores{
		Notes:     noteRepo,
		Snapshots: yjsRepo,
		Views:     viewRepo,
	}, scheduler, locks)

	// Initialize WebSocket handler
	wsHandler := collaboration.NewWebSocketHandler(registry, viewRepo, collaboration.SessionConfig{
		SendBuffer: cfg.SessionSendBuffer,
		RateLimit:  cfg.SessionRateLimit,
		RateBurst:  cfg.SessionRateBurst,
	})

	// Initialize handlers with dependency injection
	handler := api.NewHandler(registry, scheduler, wsHandler, checks)

	// Setup routes
	router := api.SetupRoutes(handler, cfg.MetricsEnabled)

	// Configure HTTP server
	// Learning: no WriteTimeout, it would cut long-lived WebSocket connections
	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start HTTP server in a goroutine
	// Learning: This allows us to handle shutdown signals concurrently
	go func() {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("📚 Endpoints:")
		log.Printf("   GET /ws/notes/:noteId        - Note room (CRDT)")
		log.Printf("   GET /ws/views/:viewId        - Whiteboard or spreadsheet room")
		log.Printf("   GET /ws/public/views/:viewId - Read-only view room")
		log.Printf("   GET /api/health              - Health check")
		log.Printf("   GET /api/stats               - Rooms and sessions")
		if cfg.MetricsEnabled {
			log.Printf("   GET /metrics                 - Prometheus metrics")
		}
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	// Learning: This is the graceful shutdown pattern
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down server...")

	// Give the server 30 seconds to finish existing requests and flush rooms
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	// Flush every live room and disconnect its sessions
	// Learning: Must run before the scheduler and the database go away
	if err := registry.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Some rooms were not flushed: %v", err)
	}

	// Shutdown the flush workers
	// Learning: This waits for workers to finish their current writes
	scheduler.Shutdown()

	log.Println("✓ Server shutdown complete")
}
