package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"rate-guard/internal/config"
	"rate-guard/internal/handler"
	"rate-guard/internal/logger"
	"rate-guard/internal/metrics"
	"rate-guard/internal/service"
	"rate-guard/internal/storage"
)

func main() {
	// Carregar configurações
	configLoader := config.NewConfigLoader()
	cfg, err := configLoader.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Inicializar logger
	appLogger := logger.NewLogger(cfg.LogLevel, cfg.LogFormat)
	appLogger.Info("Starting Rate Guard API", map[string]interface{}{
		"version":   "1.0.0",
		"log_level": cfg.LogLevel,
		"port":      cfg.ServerPort,
		"storage":   cfg.StorageType,
		"policies":  len(cfg.Policies),
	})

	// Inicializar storage via factory
	storageFactory := storage.NewStorageFactory()
	storageConfig := storage.BuildStorageConfigFromEnv(cfg.StorageType, cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword, cfg.RedisDB)

	counterStore, err := storageFactory.CreateStorage(storageConfig, appLogger)
	if err != nil {
		appLogger.Error("Failed to create storage", err, map[string]interface{}{
			"storage_type": cfg.StorageType,
		})
		os.Exit(1)
	}

	// Inicializar coletores de métricas
	collectors := metrics.NewDefault()

	// Inicializar service
	rateLimiterService, err := service.NewRateLimiterService(counterStore, service.Options{
		Policies:               cfg.Policies,
		PrivilegedRoles:        cfg.PrivilegedRoles,
		TrustedIPs:             cfg.TrustedIPs,
		MaxConcurrentRequests:  cfg.MaxConcurrentRequests,
		IPViolationThreshold:   cfg.IPViolationThreshold,
		UserViolationThreshold: cfg.UserViolationThreshold,
		ViolationWindow:        time.Duration(cfg.ViolationWindowHours) * time.Hour,
		AutoBlockDuration:      time.Duration(cfg.AutoBlockHours) * time.Hour,
		PeakHours:              cfg.PeakHours,
		BusinessStartHour:      cfg.BusinessStartHour,
		BusinessEndHour:        cfg.BusinessEndHour,
	}, collectors, appLogger)
	if err != nil {
		appLogger.Error("Failed to create rate limiter service", err, nil)
		os.Exit(1)
	}

	// Iniciar o garbage collector de chaves órfãs em background
	gcCtx, gcCancel := context.WithCancel(context.Background())
	defer gcCancel()

	garbageCollector := service.NewGarbageCollector(
		counterStore,
		cfg.Policies,
		time.Duration(cfg.ViolationWindowHours)*time.Hour,
		time.Duration(cfg.GCIntervalHours)*time.Hour,
		cfg.GCScanRate,
		collectors,
		appLogger,
	)
	go garbageCollector.Run(gcCtx)

	// Inicializar handlers
	handlers := handler.NewHandlers(rateLimiterService, counterStore, appLogger)

	// Configurar Gin
	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Criar router
	router := gin.New()

	// Middlewares globais
	router.Use(gin.Recovery())

	// Middleware de logging customizado
	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("[%s] \"%s %s %s %d %s \"%s\" %s\"\n",
			param.TimeStamp.Format("2006/01/02 - 15:04:05"),
			param.Method,
			param.Path,
			param.Request.Proto,
			param.StatusCode,
			param.Latency,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	}))

	// Configurar rotas
	handlers.SetupRoutes(router)

	// Configurar servidor HTTP
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Iniciar servidor em goroutine
	go func() {
		appLogger.Info("Starting HTTP server", map[string]interface{}{
			"port": cfg.ServerPort,
			"addr": server.Addr,
		})

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Failed to start server", err, nil)
			os.Exit(1)
		}
	}()

	// Aguardar sinais de interrupção
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	appLogger.Info("🚀 Rate Guard API is running!", map[string]interface{}{
		"port": cfg.ServerPort,
		"endpoints": []string{
			"GET  /health",
			"GET  /metrics",
			"GET  /api/events              (rate limited)",
			"GET  /api/events/:id          (rate limited)",
			"POST /api/events/:id/register (rate limited)",
			"POST /api/auth/login          (rate limited)",
			"GET  /admin/status",
			"POST /admin/reset",
			"POST /admin/block",
			"POST /admin/unblock",
		},
		"limits": map[string]interface{}{
			"default_quota":      cfg.DefaultMaxRequests,
			"default_window":     cfg.DefaultWindowSeconds,
			"max_concurrent":     cfg.MaxConcurrentRequests,
			"ip_violation_limit": cfg.IPViolationThreshold,
		},
	})

	// Bloquear até receber sinal
	<-quit
	appLogger.Info("Shutting down server...", nil)

	// Graceful shutdown: para o GC, drena o servidor e fecha o storage
	gcCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown", err, nil)
		os.Exit(1)
	}

	if err := counterStore.Close(); err != nil {
		appLogger.Error("Failed to close storage", err, nil)
	}

	appLogger.Info("Server stopped gracefully", nil)
}
