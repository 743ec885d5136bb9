package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"linkroom/api/internal/app"
	"linkroom/api/internal/config"
	"linkroom/api/internal/email"
	"linkroom/api/internal/hub"
	"linkroom/api/internal/identity"
	"linkroom/api/internal/magiclink"
	"linkroom/api/internal/metrics"
	"linkroom/api/internal/ratelimit"
	"linkroom/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	var tokenStore magiclink.TokenStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for magic-link token storage")
		redisStore, err := magiclink.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisStore.Close()
		tokenStore = redisStore
	} else {
		log.Printf("Using PostgreSQL for magic-link token storage")
		tokenStore = dataStore
	}
	magicService := magiclink.NewService(tokenStore, cfg.MagicLinkTTL)

	mailService := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mailService.IsConfigured() {
		log.Printf("WARNING: SMTP not configured, magic-link tokens returned in responses")
	}

	googleVerifier := identity.NewGoogleVerifier(identity.GoogleVerifierConfig{
		ClientID: cfg.GoogleClientID,
	})

	broadcastHub := hub.New()
	limiter := ratelimit.New(cfg.RateLimitMax, cfg.RateLimitWindow)
	collector, registry := metrics.NewDefaultCollector()

	service := app.New(cfg, dataStore, magicService, mailService, googleVerifier, broadcastHub, limiter, collector)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.AuthRatePerMinute)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(registry))
	mux.Handle("/", httpServer.Handler())

	// No Read/Write timeouts: WebSocket subscriptions stay open indefinitely
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Linkroom API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	broadcastHub.Shutdown()
}
