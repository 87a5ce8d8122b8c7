package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cloudsentry/api/internal/auth"
	"github.com/cloudsentry/api/internal/client"
	"github.com/cloudsentry/api/internal/config"
	"github.com/cloudsentry/api/internal/handler"
	"github.com/cloudsentry/api/internal/inspector"
	"github.com/cloudsentry/api/internal/jobs"
	"github.com/cloudsentry/api/internal/middleware"
	"github.com/cloudsentry/api/internal/model"
	"github.com/cloudsentry/api/internal/service"
	"github.com/cloudsentry/api/internal/store"
	ws "github.com/cloudsentry/api/internal/websocket"
	"github.com/cloudsentry/api/internal/worker"
	"github.com/cloudsentry/api/pkg/log"
	"github.com/cloudsentry/api/pkg/response"
)

const simulatedResources = 8

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := log.InitLog(log.Options{Level: cfg.Server.LogLevel, Format: cfg.Server.LogFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = zapLogger.Sync() }()

	undo := zap.ReplaceGlobals(zapLogger)
	defer undo()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		zap.S().Warnf("Redis not available: %v", err)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub(cfg.WebSocket)

	// Result store, optionally archived to S3
	resultStore := store.NewRedisStore(redisClient, 0)
	var saver service.ResultStore = resultStore
	if cfg.Archive.Bucket != "" {
		archive, err := client.NewS3Archive(&cfg.Archive)
		if err != nil {
			zap.S().Fatalf("Failed to create result archive: %v", err)
		}
		saver = store.NewArchivingStore(resultStore, archive, cfg.Archive.Prefix)
		zap.S().Infof("Archiving results to s3://%s/%s", cfg.Archive.Bucket, cfg.Archive.Prefix)
	}

	// Credentials and inspectors
	credentials, inspectors, err := buildInspection(cfg)
	if err != nil {
		zap.S().Fatalf("Failed to initialize inspection: %v", err)
	}

	orchestrator := service.NewOrchestrator(hub, credentials, inspectors, saver,
		service.NewAsynqReconcileQueue(asynqClient),
		service.Options{
			Retention:       cfg.Inspection.Retention,
			MaxParallelJobs: cfg.Inspection.MaxParallelJobs,
			Persist: service.RetryPolicy{
				MaxAttempts: cfg.Inspection.PersistAttempts,
				Delay:       500 * time.Millisecond,
			},
		})
	hub.SetAuthorizer(orchestrator)

	// Authentication
	var verifier auth.TokenVerifier
	if cfg.Zitadel.Issuer != "" {
		jwks, err := auth.NewJWKSVerifier(&cfg.Zitadel)
		if err != nil {
			zap.S().Warnf("JWKS verification disabled: %v", err)
		} else {
			defer jwks.Close()
			verifier = jwks
		}
	}
	authMiddleware := middleware.NewAuthMiddleware(auth.NewAuthenticator(verifier, cfg.JWT.Secret))
	rateLimiter := middleware.NewRateLimiter(redisClient)

	apiAuth := authMiddleware.Authenticate()
	wsAuth := authMiddleware.AuthenticateUpgrade()
	if cfg.Gateway.Enabled {
		zap.S().Info("Trusting identity headers from the gateway")
		apiAuth = middleware.GatewayAuthMiddleware()
		wsAuth = apiAuth
	}

	// Initialize handlers
	inspectionHandler := handler.NewInspectionHandler(orchestrator, resultStore, validate)
	wsHandler := handler.NewWebSocketHandler(hub)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: response.ErrorHandler,
		BodyLimit:    1024 * 1024,
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":      "ok",
			"connections": hub.Connections().Count(),
			"topics":      hub.Topics().TopicCount(),
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Inspection routes
	inspections := app.Group("/api/inspections", apiAuth)
	inspections.Post("/start", rateLimiter.InspectionLimit(cfg.RateLimit.InspectionsPerHour), inspectionHandler.Start)
	inspections.Get("/jobs/:jobId", inspectionHandler.JobStatus)
	inspections.Get("/jobs/:jobId/results", inspectionHandler.Results)
	inspections.Post("/jobs/:jobId/cancel", inspectionHandler.Cancel)
	inspections.Get("/batches/:batchId", inspectionHandler.BatchStatus)

	// WebSocket routes
	wsHandler.Register(app, wsAuth)

	// Housekeeping
	scheduler := jobs.NewScheduler()
	if err := scheduler.ScheduleIdleReap(hub, cfg.WebSocket.HeartbeatInterval); err != nil {
		zap.S().Errorf("Error scheduling idle reaping: %v", err)
	}
	scheduler.Start()

	// Start Asynq worker server
	workerServer := startWorkerServer(redisOpt, cfg.Server.LogLevel, saver)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		zap.S().Info("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			zap.S().Errorf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	zap.S().Infof("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		zap.S().Errorf("Server error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		zap.S().Warnf("Inspections still running at shutdown: %v", err)
	}
	scheduler.Stop()
	hub.Close()
	workerServer.Shutdown()
	zap.S().Info("Server stopped")
}

// buildInspection picks the credential provider and registers the inspectors.
// Simulated mode needs no AWS access at all.
func buildInspection(cfg *config.Config) (service.CredentialProvider, *inspector.Registry, error) {
	registry := inspector.NewRegistry()
	registry.Register(model.ServiceTypeSimulated, func() inspector.Inspector {
		return inspector.NewSimulated(simulatedResources, 250*time.Millisecond)
	})

	if cfg.Inspection.Simulate {
		zap.S().Warn("Inspections are simulated")
		for _, serviceType := range []string{model.ServiceTypeS3, model.ServiceTypeEC2, model.ServiceTypeIAM} {
			registry.Register(serviceType, func() inspector.Inspector {
				return inspector.NewSimulated(simulatedResources, 250*time.Millisecond)
			})
		}
		return &client.StaticCredentialProvider{AccessKeyID: "simulated", SecretAccessKey: "simulated"}, registry, nil
	}

	credentials, err := client.NewSTSCredentialProvider(&cfg.AWS)
	if err != nil {
		return nil, nil, err
	}
	newS3 := inspector.NewS3ClientFactory(cfg.AWS.Region)
	registry.Register(model.ServiceTypeS3, func() inspector.Inspector {
		return inspector.NewS3Inventory(newS3)
	})
	return credentials, registry, nil
}

func startWorkerServer(redisOpt asynq.RedisClientOpt, logLevel string, resultStore service.ResultStore) *asynq.Server {
	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				service.QueuePersist: 1,
			},
			Logger:   zap.S(),
			LogLevel: asynqLogLevel(logLevel),
		},
	)

	persistWorker := worker.NewPersistWorker(resultStore)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypePersist, persistWorker.ProcessTask)

	if err := srv.Start(mux); err != nil {
		zap.S().Errorf("Asynq worker error: %v", err)
	}
	return srv
}

func asynqLogLevel(level string) asynq.LogLevel {
	switch level {
	case "debug":
		return asynq.DebugLevel
	case "warn":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}
