package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/textrelay/server/internal/auth"
	"github.com/textrelay/server/internal/breaker"
	"github.com/textrelay/server/internal/config"
	"github.com/textrelay/server/internal/db"
	"github.com/textrelay/server/internal/dispatch"
	"github.com/textrelay/server/internal/gateway"
	httphandler "github.com/textrelay/server/internal/http"
	"github.com/textrelay/server/internal/http/handlers"
	"github.com/textrelay/server/internal/identity"
	"github.com/textrelay/server/internal/metrics"
	"github.com/textrelay/server/internal/repo"
	"github.com/textrelay/server/internal/router"
	"github.com/textrelay/server/internal/session"
	"github.com/textrelay/server/internal/vault"
)

func main() {
	// Load .env from CWD so it works in local development (env vars override)
	_ = godotenv.Load(".env")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Create context for startup operations
	ctx := context.Background()

	// Open database connection
	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	// Run migrations
	if err := runMigrations(database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Initialize repositories
	bindingRepo := repo.NewBindingRepo(database)
	sessionRepo := repo.NewSessionRepo(database)
	grantRepo := repo.NewGrantRepo(database)
	eventRepo := repo.NewEventRepo(database)

	// Outbound call policy shared by the vault and the gateway
	calls := breaker.NewRegistry(breaker.DefaultConfig())
	calls.OnStateChange = func(key string, from, to breaker.State) {
		log.Printf("Breaker %s: %s -> %s", key, from, to)
		metrics.BreakerTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
	}

	// Token vault with provider adapters
	sealer, err := vault.NewSealer(cfg.TokenCipherKey)
	if err != nil {
		log.Fatalf("Failed to initialize token sealer: %v", err)
	}
	tokenVault := vault.New(grantRepo, sealer, calls,
		vault.NewGoogle(os.Getenv("GOOGLE_CLIENT_ID"), os.Getenv("GOOGLE_CLIENT_SECRET"), nil),
		vault.NewYouTube(os.Getenv("GOOGLE_CLIENT_ID"), os.Getenv("GOOGLE_CLIENT_SECRET"), nil),
		vault.NewMicrosoft(os.Getenv("MS_CLIENT_ID"), os.Getenv("MS_CLIENT_SECRET"), nil),
		vault.NewNotion(),
	)

	// SMS delivery gateway
	var smsProvider gateway.Provider
	if cfg.DevMode || cfg.TwilioAccountSID == "" {
		log.Println("Using stub SMS provider (dev mode or no Twilio credentials)")
		smsProvider = gateway.NewStubProvider()
	} else {
		smsProvider = gateway.NewTwilioProvider(cfg.TwilioAccountSID, cfg.TwilioAuthToken)
	}
	smsGateway := gateway.New(smsProvider, calls, cfg.FromNumbers)

	// Identity, sessions, dispatcher, router
	identityStore := identity.NewStore(bindingRepo)
	sessionStore := session.NewStore(sessionRepo, cfg.SessionLeaseTTL)

	// The agent runtime plugs in behind dispatch.Agent; the echo agent
	// stands in until one is wired. Real agents pull provider tokens from
	// the vault during a turn.
	agent := dispatch.NewEchoAgent()

	dispatcher := dispatch.New(sessionStore, agent, smsGateway, eventRepo, dispatch.Config{
		QueueDepth:  cfg.SessionQueueDepth,
		TurnTimeout: cfg.AgentTurnTimeout,
	})
	messageRouter := router.New(eventRepo, identityStore, dispatcher, smsGateway)

	// Initialize handlers
	jwtService := auth.NewJWTService(cfg.JWTSecret)
	signingSecret := cfg.TwilioAuthToken
	if cfg.DevMode {
		signingSecret = ""
	}
	webhookHandler := handlers.NewWebhookHandler(messageRouter, signingSecret)
	adminHandler := handlers.NewAdminHandler(identityStore, tokenVault)

	// Create router
	mux := httphandler.NewRouter(webhookHandler, adminHandler, jwtService)

	// Background retention loop: purge answered events past the webhook
	// retry window, archive long-idle sessions.
	purgeCtx, stopPurge := context.WithCancel(context.Background())
	go runRetentionLoop(purgeCtx, eventRepo, sessionRepo, cfg)

	// Create HTTP server with timeouts
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	stopPurge()

	// Stop accepting webhooks first, then let in-flight agent turns finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		log.Printf("Dispatcher shutdown incomplete: %v", err)
	}

	log.Println("Server exited")
}

// runRetentionLoop enforces event and session retention on a ticker.
func runRetentionLoop(ctx context.Context, events repo.EventRepo, sessions repo.SessionRepo, cfg *config.Config) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		if n, err := events.PurgeOlderThan(runCtx, time.Now().Add(-cfg.EventRetention)); err != nil {
			log.Printf("Event purge failed: %v", err)
		} else if n > 0 {
			log.Printf("Purged %d inbound events", n)
		}
		if n, err := sessions.ArchiveIdleBefore(runCtx, time.Now().Add(-cfg.SessionArchiveAfter)); err != nil {
			log.Printf("Session archive failed: %v", err)
		} else if n > 0 {
			log.Printf("Archived %d idle sessions", n)
		}
		cancel()
	}
}

// runMigrations runs database migrations using goose
func runMigrations(database *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	migrationDir := "internal/db/migrations"
	if info, err := os.Stat(migrationDir); err != nil || !info.IsDir() {
		return fmt.Errorf("migrations directory not found (run from the repo root)")
	}

	absDir, _ := filepath.Abs(migrationDir)
	log.Printf("Running migrations from %s", absDir)

	if err := goose.Up(database, migrationDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
