package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pesio-ai/be-hr-approvals/internal/client"
	"github.com/pesio-ai/be-hr-approvals/internal/config"
	"github.com/pesio-ai/be-hr-approvals/internal/database"
	"github.com/pesio-ai/be-hr-approvals/internal/handler"
	"github.com/pesio-ai/be-hr-approvals/internal/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/middleware"
	"github.com/pesio-ai/be-hr-approvals/internal/natsclient"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
	"github.com/pesio-ai/be-hr-approvals/internal/scheduler"
	"github.com/pesio-ai/be-hr-approvals/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting HR Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// NATS is optional; without it events are dropped.
	var nats *natsclient.Client
	if cfg.NATS.Enabled {
		nats, err = natsclient.Connect(cfg.NATS.URL)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("NATS unavailable; notifications disabled")
		} else {
			defer nats.Close()
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
		}
	}

	// Initialize repositories
	configRepo := repository.NewWorkflowConfigRepository(db)
	requestRepo := repository.NewApprovalRequestRepository(db)
	decisionRepo := repository.NewApprovalDecisionRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	// Initialize external clients
	identity := client.NewIdentityClient(cfg.Identity.BaseURL, cfg.Identity.Timeout)
	publisher := client.NewNotificationPublisher(nats, log.Logger)

	resolvers := map[string]service.DynamicRoleResolver{
		repository.RoleDepartmentManager:  client.NewDepartmentManagerResolver(identity),
		repository.RoleServiceCoordinator: client.NewServiceCoordinatorResolver(identity),
	}

	// Initialize services
	registry := service.NewRegistryService(configRepo, log)
	approvals := service.NewApprovalService(
		registry, requestRepo, decisionRepo, auditRepo,
		identity, resolvers, publisher,
		cfg.Scheduler.UrgentWindow, log,
	)

	// Expiration/reminder scheduler
	sched := scheduler.New(approvals, cfg.Scheduler.SweepInterval, cfg.Scheduler.BatchSize, log)
	go sched.Run(ctx)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(registry, approvals, log)
	router := mux.NewRouter()
	httpHandler.RegisterRoutes(router)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Apply middleware
	var h http.Handler = router
	h = middleware.Actor(h)
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(30 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
