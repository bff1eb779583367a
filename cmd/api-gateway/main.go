package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/activity-points-api/api/swagger"
	"github.com/noah-isme/activity-points-api/internal/handler"
	"github.com/noah-isme/activity-points-api/internal/middleware"
	"github.com/noah-isme/activity-points-api/internal/models"
	"github.com/noah-isme/activity-points-api/internal/repository"
	"github.com/noah-isme/activity-points-api/internal/service"
	"github.com/noah-isme/activity-points-api/pkg/cache"
	"github.com/noah-isme/activity-points-api/pkg/config"
	"github.com/noah-isme/activity-points-api/pkg/database"
	"github.com/noah-isme/activity-points-api/pkg/jobs"
	"github.com/noah-isme/activity-points-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/activity-points-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/activity-points-api/pkg/middleware/requestid"
)

// @title Activity Points API
// @version 1.0.0
// @description Points configuration and scoring engine for student extracurricular activities
// @BasePath /api/v1
// @schemes http

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
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, caching disabled", "error", err)
		redisClient = nil
	}

	metricsService := service.NewMetricsService()

	ruleRepo := repository.NewRuleRepository(db)
	eventRepo := repository.NewEventRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	formConfigRepo := repository.NewFormConfigRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	cacheService := service.NewCacheService(cacheRepo, metricsService, cfg.Scoring.SnapshotCacheTTL, logr, redisClient != nil)
	impactService := service.NewImpactService(ruleRepo, eventRepo, logr)
	recalcService := service.NewRecalcService(eventRepo, studentRepo, ruleRepo, metricsService, cfg.Recalc.WorkerConcurrency, logr)
	ruleService := service.NewRuleService(ruleRepo, eventRepo, impactService, recalcService, auditRepo, cacheService, nil, logr)
	formConfigService := service.NewFormConfigService(formConfigRepo, auditRepo, nil, logr)
	eventService := service.NewEventService(eventRepo, studentRepo, ruleService, formConfigRepo, metricsService, nil, logr)
	leaderboardService := service.NewLeaderboardService(studentRepo, cacheService, cfg.Leaderboard.CacheTTL, cfg.Leaderboard.Limit, logr)
	exportService := service.NewExportService(cfg.Export.Enabled, logr)

	staleQueue := jobs.NewQueue("stale-recalc", func(ctx context.Context, job jobs.Job) error {
		processed, err := recalcService.ReprocessStale(ctx, cfg.Recalc.BatchSize)
		if err != nil {
			return err
		}
		logr.Sugar().Infow("stale reprocess pass finished", "students_processed", processed)
		return nil
	}, jobs.QueueConfig{
		Workers:    1,
		MaxRetries: cfg.Recalc.WorkerRetries,
		Logger:     logr,
	})
	queueCtx, stopQueue := context.WithCancel(context.Background())
	staleQueue.Start(queueCtx)
	defer func() {
		stopQueue()
		staleQueue.Stop()
	}()

	ruleHandler := handler.NewRuleConfigHandler(ruleService, exportService, metricsService, staleQueue)
	eventHandler := handler.NewEventHandler(eventService)
	formConfigHandler := handler.NewFormConfigHandler(formConfigService)
	leaderboardHandler := handler.NewLeaderboardHandler(leaderboardService, exportService)
	metricsHandler := handler.NewMetricsHandler(metricsService)
	auditHandler := handler.NewAuditHandler(auditRepo)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsService))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ready", func(c *gin.Context) {
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(metricsService.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.JWT(cfg.JWT.Secret))

	rules := api.Group("/rules", middleware.RequireRoles(models.RoleAdmin))
	{
		rules.GET("/current", ruleHandler.Current)
		rules.GET("/history", ruleHandler.History)
		rules.GET("/snapshots/:id", ruleHandler.GetSnapshot)
		rules.GET("/drafts", ruleHandler.ListDrafts)
		rules.POST("/drafts", ruleHandler.Propose)
		rules.POST("/drafts/:id/preview", ruleHandler.Preview)
		rules.GET("/drafts/:id/preview/export", ruleHandler.ExportPreview)
		rules.POST("/drafts/:id/commit", middleware.Audit(auditRepo, models.AuditActionRuleCommit, "rule_snapshots"), ruleHandler.Commit)
		rules.DELETE("/drafts/:id", ruleHandler.DiscardDraft)
	}

	events := api.Group("/events")
	{
		events.POST("", middleware.RequireRoles(models.RoleStudent), eventHandler.Create)
		events.GET("", eventHandler.List)
		events.GET("/:id", eventHandler.Get)
		events.PUT("/:id", middleware.RequireRoles(models.RoleStudent), eventHandler.Update)
		events.POST("/:id/review",
			middleware.RequireRoles(models.RoleAdmin, models.RoleTeacher),
			middleware.Audit(auditRepo, models.AuditActionEventReview, "events"),
			eventHandler.Review)
	}

	formConfigs := api.Group("/form-configs")
	{
		formConfigs.GET("", formConfigHandler.List)
		formConfigs.GET("/:category", formConfigHandler.Get)
		formConfigs.PUT("/:category", middleware.RequireRoles(models.RoleAdmin), formConfigHandler.Update)
	}

	if cfg.Leaderboard.Enabled {
		api.GET("/leaderboard", leaderboardHandler.Get)
		api.GET("/leaderboard/export", middleware.RequireRoles(models.RoleAdmin, models.RoleTeacher), leaderboardHandler.Export)
	}

	api.GET("/system/metrics", middleware.RequireRoles(models.RoleAdmin), metricsHandler.Snapshot)
	api.GET("/system/audit", middleware.RequireRoles(models.RoleAdmin), auditHandler.List)

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
