package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/api"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/config"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/notifications"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/registration"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/saga"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/store"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/telemetry"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/waba"
	"github.com/Yuvrajbhinchar/apaapargo-wa-messaging-waba-service-sub001/pkg/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration from file or environment
	cfg, err := config.LoadFromFile("./cmd/onboarding-service")
	if err != nil {
		log.Fatal("Error loading configuration: ", err)
	}

	// Initialize telemetry (tracing)
	shutdownTelemetry, err := telemetry.Init(cfg.Observability)
	if err != nil {
		log.Fatal("Failed to initialize telemetry: ", err)
	}
	defer shutdownTelemetry()

	// Initialize the repository
	repo, err := store.NewRepository(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to initialize repository: ", err)
	}
	if pg, ok := repo.(*store.PostgresRepository); ok {
		if err := pg.ApplySchema(); err != nil {
			log.Fatal("Failed to apply schema: ", err)
		}
	}

	// Wire the saga executor
	client := waba.NewHTTPClient(cfg.Waba)
	registrar := registration.NewRegistrar(repo)
	executor := saga.NewExecutor(repo, saga.Steps(client, repo, registrar))

	// Background loops: dispatcher claims and runs pending tasks, the reaper
	// rescues abandoned ones and requeues retryable failures.
	dispatcher := worker.NewDispatcher(repo, executor, cfg)
	reaper := worker.NewReaper(repo, cfg)
	go dispatcher.Run(ctx)
	go reaper.Run(ctx)

	// Consume platform phone-status notifications
	consumer, err := notifications.NewConsumer(ctx, cfg.Broker, notifications.NewApplier(repo))
	if err != nil {
		log.Fatal("Failed to initialize notification consumer: ", err)
	}
	defer consumer.Close()
	go func() {
		if err := consumer.Run(ctx); err != nil {
			log.Printf("Notification consumer stopped: %v", err)
		}
	}()

	// HTTP surface: enqueue, poll, cancel
	handler := api.NewHandler(repo, cfg.MaxRetries, cfg.StaleAfter)
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: api.NewRouter(handler)}

	go func() {
		<-ctx.Done()
		if err := server.Shutdown(context.Background()); err != nil {
			log.Printf("HTTP server shutdown: %v", err)
		}
	}()

	log.Printf("Onboarding service listening on %s", cfg.HTTPAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("HTTP server failed: ", err)
	}
}
