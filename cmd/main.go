package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cron "github.com/robfig/cron/v3"
	"github.com/rs/cors"

	"github.com/poofware/login-guard-service/internal/app"
	"github.com/poofware/login-guard-service/internal/config"
	"github.com/poofware/login-guard-service/internal/controllers"
	"github.com/poofware/login-guard-service/internal/middleware"
	"github.com/poofware/login-guard-service/internal/repositories"
	"github.com/poofware/login-guard-service/internal/services"
	"github.com/poofware/login-guard-service/internal/utils"
)

const (
	corsLocalhostOrigin = "http://localhost:*"
	shutdownTimeout     = 10 * time.Second
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		utils.Logger.Fatal("Failed to load config: ", err)
	}
	utils.InitLogger(cfg.AppName, cfg.LogLevel, cfg.LogFormat)

	application, err := app.NewApp(cfg)
	if err != nil {
		utils.Logger.Fatal("Failed to initialize application: ", err)
	}
	defer application.Close()

	//----------------------------------------------------------------------
	// Repositories
	//----------------------------------------------------------------------
	var (
		sessionRepo   repositories.VerificationSessionRepository
		rateLimitRepo repositories.RateLimitRepository
	)
	if application.UsesMemoryStores() {
		sessionRepo = repositories.NewMemoryVerificationSessionRepository()
		rateLimitRepo = repositories.NewMemoryRateLimitRepository()
	} else {
		sessionRepo = repositories.NewVerificationSessionRepository(application.DB)
		rateLimitRepo = repositories.NewRateLimitRepository(application.DB)
	}

	//----------------------------------------------------------------------
	// Services
	//----------------------------------------------------------------------
	clock := utils.SystemClock()

	metrics, err := services.NewMetrics()
	if err != nil {
		utils.Logger.Fatal("Failed to register metrics: ", err)
	}

	verificationService := services.NewVerificationService(
		cfg,
		services.NewSessionStore(sessionRepo, clock),
		services.NewRateLimiterService(rateLimitRepo, clock, metrics),
		services.NewChallengeService(),
		services.NewIPBindingPolicy(cfg.StrictIPBinding, cfg.IPAllowList),
		services.NewReceiptService(cfg.AppName, cfg.ReceiptTTL, cfg.RSAPrivateKey, cfg.RSAPublicKey, clock),
		services.NewQRCodeService(),
		metrics,
		clock,
	)

	sessionCleanupService := services.NewSessionCleanupService(sessionRepo, clock)
	rateLimitCleanupService := services.NewRateLimitCleanupService(rateLimitRepo, clock)

	//----------------------------------------------------------------------
	// Controllers & Router
	//----------------------------------------------------------------------
	sessionController := controllers.NewSessionController(cfg, verificationService)
	healthController := controllers.NewHealthController(application)

	throttle := middleware.NewRequestThrottle(cfg.RequestRatePerSecond, cfg.RequestBurst, cfg.TrustProxyHeaders)

	router := controllers.NewRouter(sessionController, healthController)
	router.Use(middleware.RequestLogging)
	router.Use(throttle.Middleware)

	//----------------------------------------------------------------------
	// Scheduled cleanup via cron
	//----------------------------------------------------------------------
	c := cron.New()

	// expired sessions
	if _, err := c.AddFunc(cfg.CleanupCron, func() {
		if e := sessionCleanupService.CleanupExpired(context.Background()); e != nil {
			utils.Logger.WithError(e).Error("Scheduled session cleanup failed")
		}
	}); err != nil {
		utils.Logger.WithError(err).Fatal("Failed to schedule session cleanup job")
	}

	// rate limit counters and idle throttle buckets
	if _, err := c.AddFunc(cfg.CleanupCron, func() {
		if e := rateLimitCleanupService.CleanupExpired(context.Background()); e != nil {
			utils.Logger.WithError(e).Error("Scheduled rate limit counter cleanup failed")
		}
		if n := throttle.EvictIdle(); n > 0 {
			utils.Logger.WithField("evicted", n).Debug("Evicted idle request throttles")
		}
	}); err != nil {
		utils.Logger.WithError(err).Fatal("Failed to schedule rate limit counter cleanup job")
	}

	c.Start()
	defer c.Stop()

	allowedOrigins := []string{cfg.AppUrl}
	if !cfg.CORSHighSecurity {
		allowedOrigins = append(allowedOrigins, corsLocalhostOrigin)
	}

	co := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", middleware.RequestIDHeader},
		ExposedHeaders:   []string{"Retry-After", middleware.RequestIDHeader},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           co.Handler(router),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		utils.Logger.Infof("Starting %s on port: %s", cfg.AppName, cfg.AppPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.Logger.Fatal("Failed to start server: ", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	utils.Logger.Info("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		utils.Logger.WithError(err).Error("Graceful shutdown failed")
	}
}
