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

	"reportdesk/api/internal/app"
	"reportdesk/api/internal/archive"
	"reportdesk/api/internal/config"
	"reportdesk/api/internal/ratelimit"
	"reportdesk/api/internal/search"
	"reportdesk/api/internal/store"
	"reportdesk/api/internal/telegram"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	if cfg.BotToken == "" {
		log.Fatal("BOT_TOKEN is required")
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	botClient := telegram.New(cfg.TelegramAPIURL, cfg.BotToken, cfg.SendTimeout)
	if cfg.TelegramLocal {
		log.Printf("Using local Bot API server at %s, staging uploads in %s", cfg.TelegramAPIURL, cfg.LocalFilesDir)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, dataStore)

	var limiter *ratelimit.Limiter
	if strings.TrimSpace(cfg.RedisURL) != "" {
		limiter, err = ratelimit.New(cfg.RedisURL, cfg.SubmitRateLimit, cfg.SubmitRateWin)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer limiter.Close()
		log.Printf("Submission rate limiting enabled: %d per %s", cfg.SubmitRateLimit, cfg.SubmitRateWin)
	}

	var attachmentArchive *archive.Archive
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		attachmentArchive, err = archive.New(ctx, archive.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			log.Fatalf("attachment archive setup failed: %v", err)
		}
		log.Printf("Archiving attachments to bucket %s", cfg.S3Bucket)
	}

	service := app.New(cfg, dataStore, botClient, searchService, limiter, attachmentArchive)

	httpServer := app.NewHTTPServer(service, cfg.StaticDir)
	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: httpServer.Handler(),
		// No ReadTimeout: attachment uploads may legitimately take minutes.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Report desk API listening on %s", cfg.Addr)
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
}
