package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"chat-backend/cmd"
	"chat-backend/internal/chat"
	"chat-backend/internal/database"
	"chat-backend/internal/messaging"
	"chat-backend/internal/titling"

	"github.com/caarlos0/env/v11"
)

type WorkerConfig struct {
	DatabaseURL string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL string `env:"RABBITMQ_URL,notEmpty,required"`

	Model cmd.ModelConfig
}

func main() {
	log.Println("Starting Title Worker...")

	cmd.LoadEnvFile()

	var cfg WorkerConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	if cfg.Model.TitleModel == "" {
		log.Fatalf("TITLE_MODEL must be set for the title worker")
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	titler, err := cmd.NewTitler(context.Background(), cfg.Model)
	if err != nil {
		log.Fatalf("Failed to create titler: %v", err)
	}

	receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	processor := titling.NewProcessor(chat.NewStore(db), titler, receiver)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutdown signal received, stopping worker")
		processor.Stop()
	}()

	processor.Start()

	slog.Info("worker stopped")
}
