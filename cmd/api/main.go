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

	"storymap/collab/internal/app"
	"storymap/collab/internal/archive"
	"storymap/collab/internal/config"
	"storymap/collab/internal/gitrepo"
	"storymap/collab/internal/relay"
	"storymap/collab/internal/search"
	"storymap/collab/internal/session"
	"storymap/collab/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx := context.Background()

	var (
		dataStore store.Store
		fallback  search.Fallback
	)
	if cfg.MemoryStore {
		log.Printf("Using in-memory map store")
		dataStore = store.NewMemoryStore()
		fallback = search.NewMemory()
	} else {
		db, err := store.Open(ctx, cfg.DatabaseURL, 20)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, store.MigrationsFS(cfg.MigrationsDir)); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		dataStore = store.NewPostgresStore(db)
		fallback = search.NewPgFTS(db)
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatalf("failed to create repos dir: %v", err)
	}
	gitService := gitrepo.New(cfg.ReposDir)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, fallback)
	go searchService.ReindexAll(ctx)

	sinks := []relay.Sink{
		relay.GitSink{Repo: gitService},
		relay.SearchSink{Search: searchService},
	}
	var archiveStore *archive.Archive
	if strings.TrimSpace(cfg.ArchiveEndpoint) != "" {
		archiveStore, err = archive.New(ctx, archive.Config{
			Endpoint:  cfg.ArchiveEndpoint,
			AccessKey: cfg.ArchiveAccessKey,
			SecretKey: cfg.ArchiveSecretKey,
			Bucket:    cfg.ArchiveBucket,
			UseSSL:    cfg.ArchiveUseSSL,
		})
		if err != nil {
			log.Fatalf("archive setup failed: %v", err)
		}
		sinks = append(sinks, relay.ArchiveSink{Archive: archiveStore})
	}

	hub := relay.NewHub(dataStore, relay.Options{
		Sinks:          sinks,
		FrameRate:      rate.Limit(cfg.FrameRate),
		FrameBurst:     cfg.FrameBurst,
		FlushInterval:  cfg.FlushInterval,
		AllowedOrigins: cfg.AllowedOrigins,
		Metrics:        relay.NewMetrics(prometheus.DefaultRegisterer),
	})

	service := app.New(dataStore, hub, gitService, searchService)
	if archiveStore != nil {
		service.SetArchive(archiveStore)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		sessions, err := session.NewRedisStore(cfg.RedisURL, "api", 0)
		if err != nil {
			log.Fatalf("redis setup failed: %v", err)
		}
		defer sessions.Close()
		httpServer.AddReadinessCheck("redis", sessions.Ping)
	}
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Story map API listening on %s", cfg.Addr)
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
	// Websocket connections are hijacked and outlive Shutdown.
	hub.Close()
}
