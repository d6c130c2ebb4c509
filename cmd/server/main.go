// Package main is the entry point for the Hearth calendar sync server.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caleblanchard/hearth-sync/internal/api"
	"github.com/caleblanchard/hearth-sync/internal/calendar"
	"github.com/caleblanchard/hearth-sync/internal/crypto"
	"github.com/caleblanchard/hearth-sync/internal/google"
	"github.com/caleblanchard/hearth-sync/internal/storage"
	"github.com/caleblanchard/hearth-sync/internal/websocket"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
// Defaults to "dev" when not provided.
var version = "dev"

func main() {
	addr := flag.String("addr", ":8090", "HTTP server address")
	dataDir := flag.String("data", "/data", "Data directory for SQLite database")
	staticDir := flag.String("static", "./static", "Directory for static frontend files")
	connectionPollMin := flag.Int("connection-poll", 15, "Minutes between provider connection syncs")
	healthCheck := flag.Bool("health-check", false, "Run health check and exit")
	flag.Parse()

	// Health check mode for Docker HEALTHCHECK
	if *healthCheck {
		if err := runHealthCheck(*addr); err != nil {
			log.Fatalf("Health check failed: %v", err)
		}
		os.Exit(0)
	}

	if envVer := os.Getenv("VERSION"); envVer != "" {
		version = envVer
	}

	log.Printf("Starting Hearth calendar sync (version: %s)...", version)

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data directory %q: %v", *dataDir, err)
	}
	db, err := storage.NewDB(*dataDir + "/hearth-sync.db")
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := storage.RunMigrations(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Database migrations complete")

	hub := websocket.NewHub()
	go hub.Run()
	broadcaster := websocket.NewEventBroadcaster(hub)

	subscriptionRepo := storage.NewSubscriptionRepository(db)
	connectionRepo := storage.NewConnectionRepository(db)
	eventRepo := storage.NewEventRepository(db)
	syncLogRepo := storage.NewSyncLogRepository(db)

	// The Google integration is optional; without credentials the server
	// runs feed-only.
	var googleClient *google.Client
	var encryptor *crypto.Encryptor
	if cfg, ok := google.ConfigFromEnv(); ok {
		if err := cfg.Validate(); err != nil {
			log.Fatalf("Invalid Google configuration: %v", err)
		}
		encryptor, err = crypto.NewEncryptor(cfg.TokenKey)
		if err != nil {
			log.Fatalf("Failed to initialize token encryption: %v", err)
		}
		googleClient = google.NewClient(cfg, connectionRepo, encryptor)
		log.Println("Google Calendar integration enabled")
	} else {
		log.Println("Google Calendar integration not configured, running feed-only")
	}

	var provider calendar.ProviderClient
	if googleClient != nil {
		provider = googleClient
	}
	syncService := calendar.NewSyncService(
		subscriptionRepo,
		connectionRepo,
		eventRepo,
		syncLogRepo,
		calendar.NewFetcher(nil),
		provider,
		broadcaster,
	)

	scheduler := calendar.NewScheduler(syncService, subscriptionRepo, connectionRepo, *connectionPollMin)
	if err := scheduler.Start(context.Background()); err != nil {
		log.Printf("Warning: Failed to start sync scheduler: %v", err)
	}

	router := api.NewRouter(api.Deps{
		DB:            db,
		Hub:           hub,
		Broadcaster:   broadcaster,
		Subscriptions: subscriptionRepo,
		Connections:   connectionRepo,
		Events:        eventRepo,
		SyncLogs:      syncLogRepo,
		SyncService:   syncService,
		Scheduler:     scheduler,
		GoogleClient:  googleClient,
		Encryptor:     encryptor,
		StaticDir:     *staticDir,
	})

	server := &http.Server{
		Addr:         *addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		// Sync-trigger requests can block on a slow upstream fetch.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server listening on %s", *addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}

// runHealthCheck performs a health check against the running server.
func runHealthCheck(addr string) error {
	url := "http://localhost" + addr + "/api/health"
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return http.ErrAbortHandler
	}
	return nil
}
