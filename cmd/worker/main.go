package main

import (
	"log"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/fieldops/shiftproof/internal/config"
	"github.com/fieldops/shiftproof/internal/worker"
)

func main() {
	if err := godotenv.Load(); err == nil {
		log.Println("loaded environment from .env")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
		asynq.Config{Concurrency: cfg.Concurrency},
	)

	processor := worker.NewProcessor(cfg)
	log.Printf("snapshot worker starting (concurrency=%d)", cfg.Concurrency)
	if err := srv.Run(processor.Handler()); err != nil {
		log.Fatalf("worker: %v", err)
	}
}
