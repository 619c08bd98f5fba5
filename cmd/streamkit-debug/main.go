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

	"chat/streamkit/internal/chaterr"
	"chat/streamkit/internal/config"
	"chat/streamkit/internal/debugapi"
	"chat/streamkit/internal/kv"
	"chat/streamkit/internal/stream"

	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	backend, cleanup, err := openBackend(cfg)
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}
	defer cleanup()

	store := stream.NewStateStore(backend, stream.Options{
		Namespace:          cfg.Namespace,
		MaxStorageBytes:    cfg.MaxStorageBytes,
		WarnStorageBytes:   cfg.WarnStorageBytes,
		MaxStreamAge:       cfg.MaxStreamAge,
		CleanupInterval:    cfg.CleanupInterval,
		CompressionEnabled: cfg.CompressionEnabled,
		EncryptionEnabled:  cfg.EncryptionEnabled,
	})
	store.Start()
	defer store.Stop()

	errs := chaterr.NewHandler(chaterr.HandlerOptions{})
	handler := debugapi.NewRouter(cfg, store, errs)

	srv := &http.Server{
		Addr:         cfg.ListenAddress(),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("streamkit debug api listening on %s", cfg.ListenAddress())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func openBackend(cfg config.Config) (kv.Store, func(), error) {
	if strings.HasPrefix(cfg.StorageURL, "memory:") {
		return kv.NewMemory(cfg.MaxStorageBytes), func() {}, nil
	}
	db, err := kv.OpenSQLite(cfg.StorageURL, cfg.StorageAuthToken, cfg.MaxStorageBytes)
	if err != nil {
		return nil, nil, err
	}
	return db, func() {
		if err := db.Close(); err != nil {
			log.Printf("close storage: %v", err)
		}
	}, nil
}
