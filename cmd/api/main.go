package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-backend/cmd"
	"chat-backend/internal/api"
	"chat-backend/internal/auth"
	"chat-backend/internal/chat"
	"chat-backend/internal/database"
	"chat-backend/internal/messaging"
	"chat-backend/internal/observability"
	"chat-backend/internal/titling"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

type APIConfig struct {
	DatabaseURL       string        `env:"DATABASE_URL,notEmpty,required"`
	JWTSecret         string        `env:"JWT_SECRET,notEmpty,required"`
	Port              int           `env:"PORT" envDefault:"8000"`
	CorsOrigins       []string      `env:"CORS_ORIGINS" envDefault:"http://localhost:3000" envSeparator:","`
	SystemPrompt      string        `env:"SYSTEM_PROMPT"`
	HistoryLimit      int           `env:"HISTORY_LIMIT" envDefault:"50"`
	MaxMessageChars   int           `env:"MAX_MESSAGE_CHARS" envDefault:"8000"`
	StreamTimeout     time.Duration `env:"STREAM_TIMEOUT" envDefault:"2m"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"15s"`
	SerializeTurns    bool          `env:"SERIALIZE_TURNS" envDefault:"false"`
	MaxLockedTurns    int           `env:"MAX_LOCKED_TURNS" envDefault:"10000"`
	RabbitMQURL       string        `env:"RABBITMQ_URL"`

	Model   cmd.ModelConfig
	Archive cmd.ArchiveConfig
}

// Must not exceed the in-memory queue's buffer, since nothing consumes the
// queue until the server starts.
const titleBackfillLimit = 100

func createDatabase(url string) *gorm.DB {
	db, err := database.NewDatabase(url)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := database.GetMigrator(db).Migrate(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	return db
}

// createTitlePublisher returns nil when titles are disabled. Without a
// RabbitMQ url the titles are generated in-process and the returned processor
// must be started by the caller.
func createTitlePublisher(cfg APIConfig, store *chat.Store) (messaging.Publisher, *titling.Processor) {
	if cfg.Model.TitleModel == "" {
		slog.Info("TITLE_MODEL not set, conversations will not be titled automatically")
		return nil, nil
	}

	if cfg.RabbitMQURL != "" {
		publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
		if err != nil {
			log.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		return publisher, nil
	}

	titler, err := cmd.NewTitler(context.Background(), cfg.Model)
	if err != nil {
		log.Fatalf("Failed to create titler: %v", err)
	}

	queue := messaging.NewInMemoryQueue()

	// Tasks queued in memory are lost on restart, so untitled conversations
	// are queued again at startup.
	untitled, err := store.UntitledConversations(context.Background(), titleBackfillLimit)
	if err != nil {
		log.Fatalf("Failed to fetch untitled conversations: %v", err)
	}
	for _, id := range untitled {
		if err := queue.PublishTitleTask(context.Background(), messaging.TitleTaskPayload{ConversationId: id}); err != nil {
			log.Fatalf("Failed to publish title task: %v", err)
		}
	}
	if len(untitled) > 0 {
		slog.Info("queued title tasks for untitled conversations", "count", len(untitled))
	}

	return queue, titling.NewProcessor(store, titler, queue)
}

func createServer(cfg APIConfig, db *gorm.DB, chatHandler *api.ChatService, conversationHandler *api.ConversationService, registry *prometheus.Registry) *http.Server {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CorsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", api.HealthHandler(db))
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	verifier := auth.NewJWTVerifier([]byte(cfg.JWTSecret))

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware(verifier))

		// Streams are bounded by STREAM_TIMEOUT, the rest by a fixed timeout.
		chatHandler.AddRoutes(r)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			conversationHandler.AddRoutes(r)
		})
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}
}

func main() {
	log.Println("Starting API Server...")

	cmd.LoadEnvFile()

	var cfg APIConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	db := createDatabase(cfg.DatabaseURL)
	store := chat.NewStore(db)

	client, modelName, err := cmd.NewStreamingClient(context.Background(), cfg.Model)
	if err != nil {
		log.Fatalf("Failed to create model client: %v", err)
	}

	archiver, err := cmd.NewArchiver(context.Background(), cfg.Archive)
	if err != nil {
		log.Fatalf("Failed to create transcript archive: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewStreamingMetrics(registry)

	opts := []chat.Option{chat.WithMetrics(metrics)}
	if cfg.SerializeTurns {
		opts = append(opts, chat.WithLocker(chat.NewKeyedLocker(cfg.MaxLockedTurns)))
	}

	publisher, processor := createTitlePublisher(cfg, store)
	if publisher != nil {
		defer publisher.Close()
		opts = append(opts, chat.WithTitlePublisher(publisher))
	}

	orchestrator := chat.NewOrchestrator(store, client, chat.Config{
		SystemPrompt:    cfg.SystemPrompt,
		HistoryLimit:    cfg.HistoryLimit,
		MaxMessageChars: cfg.MaxMessageChars,
		StreamTimeout:   cfg.StreamTimeout,
		ModelName:       modelName,
	}, opts...)

	server := createServer(
		cfg,
		db,
		api.NewChatService(orchestrator, cfg.HeartbeatInterval, metrics),
		api.NewConversationService(store, archiver),
		registry,
	)

	if processor != nil {
		slog.Info("starting in-process title worker")
		go processor.Start()
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}

		if processor != nil {
			slog.Info("shutting down title worker")
			processor.Stop()
			<-processor.Done()
		}
	}()

	slog.Info("server started", "port", cfg.Port, "model", modelName)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v\n", cfg.Port, err)
	}

	<-stopped
	slog.Info("server stopped")
}
