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

	"github.com/noah-isme/accred-portal-api/internal/handler"
	"github.com/noah-isme/accred-portal-api/internal/middleware"
	"github.com/noah-isme/accred-portal-api/internal/models"
	"github.com/noah-isme/accred-portal-api/internal/repository"
	"github.com/noah-isme/accred-portal-api/internal/service"
	"github.com/noah-isme/accred-portal-api/pkg/cache"
	"github.com/noah-isme/accred-portal-api/pkg/config"
	"github.com/noah-isme/accred-portal-api/pkg/database"
	"github.com/noah-isme/accred-portal-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/accred-portal-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/accred-portal-api/pkg/middleware/requestid"
	"github.com/noah-isme/accred-portal-api/pkg/storage"
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

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}
	if redisClient != nil {
		defer redisClient.Close() //nolint:errcheck
	}

	evidenceStore, err := storage.NewLocalStorage(cfg.Uploads.StorageDir, cfg.Uploads.PublicBaseURL)
	if err != nil {
		logr.Sugar().Fatalw("failed to init evidence storage", "error", err)
	}

	validate := validator.New()

	userRepo := repository.NewUserRepository(db)
	criteriaRepo := repository.NewCriteriaRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	metricsSvc := service.NewMetricsService()

	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             cfg.JWT.Issuer,
	})

	criteriaSvc := service.NewCriteriaService(criteriaRepo, evidenceStore, userRepo, cacheRepo, metricsSvc, validate, logr, service.CriteriaServiceConfig{
		MaxFileSize:     cfg.Uploads.MaxFileSizeBytes,
		MaxFilesPerSave: cfg.Uploads.MaxFilesPerSave,
	})

	aggregationSvc := service.NewAggregationService(criteriaRepo, cacheRepo, logr, cfg.Cache.AggregationTTL)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var exportSvc *service.ExportService
	if cfg.Exports.Enabled {
		exportStore, err := storage.NewLocalStorage(cfg.Exports.StorageDir, "")
		if err != nil {
			logr.Sugar().Fatalw("failed to init export storage", "error", err)
		}
		signer := storage.NewSignedURLSigner(cfg.Exports.SignedURLSecret, cfg.Exports.SignedURLTTL)
		exportSvc = service.NewExportService(criteriaRepo, exportStore, signer, userRepo, logr, cfg.Exports.WorkerConcurrency, cfg.Exports.WorkerRetries)
		exportSvc.Start(rootCtx)
		defer exportSvc.Stop()
	}

	authHandler := handler.NewAuthHandler(authSvc)
	criteriaHandler := handler.NewCriteriaHandler(criteriaSvc)
	adminHandler := handler.NewAdminHandler(aggregationSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	// Stored evidence files are served directly from disk; records hold
	// the URLs minted at save time.
	r.Static(cfg.Uploads.PublicBaseURL, cfg.Uploads.StorageDir)

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/logout", middleware.JWT(authSvc), authHandler.Logout)
		auth.POST("/change-password", middleware.JWT(authSvc), authHandler.ChangePassword)
		auth.GET("/me", middleware.JWT(authSvc), authHandler.Me)
	}

	criteria := api.Group("/criteria", middleware.JWT(authSvc))
	{
		criteria.POST("/save", criteriaHandler.Save)
		criteria.GET("", criteriaHandler.ListOwn)
		criteria.GET("/:criteriaNumber", criteriaHandler.GetByCriteria)
		criteria.PUT("/submit/:id", criteriaHandler.Submit)
		criteria.PUT("/review/:id", middleware.RequireRoles(models.RoleAdmin, models.RoleSchoolAdmin), criteriaHandler.Review)
		criteria.PUT("/reopen/:id", middleware.RequireRoles(models.RoleAdmin, models.RoleSchoolAdmin), criteriaHandler.Reopen)
		criteria.GET("/admin/users", middleware.RequireRoles(models.RoleAdmin), adminHandler.UsersWithSubmissions)
		criteria.GET("/school/:school", middleware.RequireRoles(models.RoleAdmin, models.RoleSchoolAdmin), middleware.RequireSchoolScope("school"), adminHandler.SchoolData)
	}

	admin := api.Group("/admin", middleware.JWT(authSvc), middleware.RequireRoles(models.RoleAdmin))
	{
		admin.GET("/files", middleware.Audit(userRepo, models.AuditActionFilesView, "criteria"), adminHandler.AllFiles)
	}

	if exportSvc != nil {
		exportHandler := handler.NewExportHandler(exportSvc)
		exports := api.Group("/exports")
		{
			exports.POST("/school/:school",
				middleware.JWT(authSvc),
				middleware.RequireRoles(models.RoleAdmin, models.RoleSchoolAdmin),
				middleware.RequireSchoolScope("school"),
				exportHandler.Request)
			exports.GET("/status/:id", middleware.JWT(authSvc), exportHandler.Status)
			exports.GET("/download/:token", exportHandler.Download)
		}
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Errorw("server failed", "error", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	logr.Sugar().Infow("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logr.Sugar().Infow("server stopped")
}
