package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/fieldops/shiftproof/internal/assetcache"
	"github.com/fieldops/shiftproof/internal/attendance"
	"github.com/fieldops/shiftproof/internal/config"
	"github.com/fieldops/shiftproof/internal/ocr"
	"github.com/fieldops/shiftproof/internal/photo"
	"github.com/fieldops/shiftproof/internal/retention"
	"github.com/fieldops/shiftproof/internal/server"
	"github.com/fieldops/shiftproof/internal/store"
	"github.com/fieldops/shiftproof/internal/sync"
	"github.com/fieldops/shiftproof/internal/validate"
)

func main() {
	if err := godotenv.Load(); err == nil {
		log.Println("loaded environment from .env")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		if errors.Is(err, store.ErrOpenFailed) {
			log.Fatalf("cannot open local database %s, refusing to start: %v", cfg.DBPath, err)
		}
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	engine := attendance.New(
		st,
		photo.New(cfg.MaxImageDim, cfg.JPEGQuality),
		ocr.NewEngine(cfg.OCREndpoint, cfg.OCRLanguage, cfg.OCRTimeout),
		validate.New(),
	)

	var factory sync.BackendFactory
	if cfg.SyncBackend == "s3" {
		factory = sync.S3Factory(cfg)
	} else {
		factory = sync.GistFactory(cfg.BlobAPIBase)
	}
	syncer := sync.New(st, factory)
	sweeper := retention.New(st, syncer)

	var queueClient *asynq.Client
	if cfg.AutoBackup {
		queueClient = asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer queueClient.Close()
	}

	assets := assetcache.New("v1", nil, cfg.CDNOrigins, []string{cfg.BlobAPIBase})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, st, engine, syncer, sweeper, queueClient, assets)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server: %v", err)
	}
}
