package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/talkwire/token-engine/internal/handler"
	"github.com/talkwire/token-engine/internal/middleware"
	"github.com/talkwire/token-engine/internal/repository"
	"github.com/talkwire/token-engine/internal/service"
	"github.com/talkwire/token-engine/pkg/cache"
	"github.com/talkwire/token-engine/pkg/config"
	"github.com/talkwire/token-engine/pkg/database"
	"github.com/talkwire/token-engine/pkg/geo"
	"github.com/talkwire/token-engine/pkg/jobs"
	"github.com/talkwire/token-engine/pkg/logger"
	corsmiddleware "github.com/talkwire/token-engine/pkg/middleware/cors"
	reqidmiddleware "github.com/talkwire/token-engine/pkg/middleware/requestid"
	"github.com/talkwire/token-engine/pkg/useragent"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to database", "error", err)
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}
	defer redisClient.Close() //nolint:errcheck

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Repositories.
	tokenRepo := repository.NewTokenRepository(db)
	userRepo := repository.NewUserRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	securityCache := repository.NewSecurityCacheRepository(redisClient, logr)

	// Services.
	validate := validator.New()
	metrics := service.NewMetricsService()
	auditTrail := service.NewAuditTrailService(cfg.Audit, auditRepo, metrics, logr)

	var secrets *service.SecretRotationService
	if cfg.Secrets.SyncEnabled {
		secrets, err = service.NewSecretRotationService(cfg.Secrets, securityCache, auditTrail, metrics, logr)
	} else {
		secrets, err = service.NewSecretRotationService(cfg.Secrets, nil, auditTrail, metrics, logr)
	}
	if err != nil {
		logr.Sugar().Fatalw("failed to seed signing secrets", "error", err)
	}

	riskScorer := service.NewRiskScorer()
	rateLimiter := service.NewRateLimiter(cfg.RateLimit, logr)
	geoResolver := geo.NewStaticResolver(nil)
	uaParser := useragent.SimpleParser{}

	issuer := service.NewTokenIssuerService(
		tokenRepo, userRepo, securityCache, secrets, riskScorer, auditTrail,
		rateLimiter, geoResolver, uaParser, metrics, validate, logr,
		service.TokenIssuerConfig{
			Issuer:            cfg.Token.Issuer,
			Audience:          cfg.Token.Audience,
			AccessTTL:         cfg.Token.AccessTTL,
			RefreshTTL:        cfg.Token.RefreshTTL,
			CSRFTTL:           cfg.Token.CSRFTTL,
			RefreshMaxUses:    cfg.Token.RefreshMaxUses,
			AutoRevokeOnIssue: cfg.Token.AutoRevokeOnIssue,
			StrictMode:        cfg.Security.StrictMode,
		},
	)

	verifier := service.NewTokenVerifierService(
		securityCache, secrets, auditTrail, rateLimiter, geoResolver, uaParser,
		metrics, validate, logr,
		service.TokenVerifierConfig{
			Issuer:                    cfg.Token.Issuer,
			ClockSkew:                 cfg.Security.ClockSkew,
			IPChangeRejectScore:       cfg.Security.IPChangeRejectScore,
			UserAgentRejectScore:      cfg.Security.UserAgentRejectScore,
			UserAgentWarnScore:        cfg.Security.UserAgentWarnScore,
			AllowPrivateNetworkBypass: cfg.Security.AllowPrivateNetworkBypass,
			StrictMode:                cfg.Security.StrictMode,
		},
	)

	rotation := service.NewRotationService(
		tokenRepo, userRepo, securityCache, issuer, auditTrail, rateLimiter,
		geoResolver, uaParser, metrics, validate, logr,
		service.RotationConfig{
			RotateOnUse:                cfg.Token.RotateOnUse,
			AccessTTL:                  cfg.Token.AccessTTL,
			MaxTravelSpeedKmh:          cfg.Security.MaxTravelSpeedKmh,
			SuspicionThreshold:         cfg.Security.SuspicionThreshold,
			CandidateLimit:             cfg.Security.CandidateLimit,
			RetentionPeriod:            cfg.Security.RetentionPeriod,
			AllowPrivateNetworkBypass:  cfg.Security.AllowPrivateNetworkBypass,
			DisableDefensiveRevocation: cfg.Env == config.EnvDevelopment,
			StrictMode:                 cfg.Security.StrictMode,
		},
	)

	// Background schedulers.
	runners := []*jobs.Runner{
		jobs.NewRunner("secret-rotation-check", cfg.Secrets.CheckInterval, secrets.RotationCheckTask, logr),
		jobs.NewRunner("token-cleanup", cfg.Audit.CleanupInterval, rotation.CleanupTask, logr),
		jobs.NewRunner("audit-flush", cfg.Audit.FlushInterval, auditTrail.FlushTask, logr),
		jobs.NewRunner("pattern-sweep", cfg.Audit.PatternInterval, auditTrail.PatternSweepTask, logr),
		jobs.NewRunner("tracker-cleanup", cfg.Audit.CleanupInterval, auditTrail.CleanupTask, logr),
		jobs.NewRunner("ratelimit-prune", cfg.RateLimit.PruneInterval, rateLimiter.PruneTask, logr),
	}
	for _, r := range runners {
		r.Start(rootCtx)
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	authHandler := handler.NewAuthHandler(issuer, verifier, rotation)
	metricsHandler := handler.NewMetricsHandler(metrics, db, redisClient)
	handler.RegisterRoutes(r, cfg.APIPrefix, authHandler, metricsHandler, verifier)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logr.Sugar().Infow("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("server shutdown failed", "error", err)
	}

	for _, r := range runners {
		r.Stop()
	}
	rootCancel()

	// Drain the audit buffer before the process exits.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := auditTrail.Flush(flushCtx); err != nil {
		logr.Sugar().Warnw("final audit flush failed", "error", err)
	}

	logr.Sugar().Infow("server stopped")
}
