package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/edumatrix/exam-marks-api/api/swagger"
	"github.com/edumatrix/exam-marks-api/internal/handler"
	"github.com/edumatrix/exam-marks-api/internal/middleware"
	"github.com/edumatrix/exam-marks-api/internal/models"
	"github.com/edumatrix/exam-marks-api/internal/repository"
	"github.com/edumatrix/exam-marks-api/internal/service"
	"github.com/edumatrix/exam-marks-api/pkg/cache"
	"github.com/edumatrix/exam-marks-api/pkg/config"
	"github.com/edumatrix/exam-marks-api/pkg/database"
	"github.com/edumatrix/exam-marks-api/pkg/logger"
	corsmiddleware "github.com/edumatrix/exam-marks-api/pkg/middleware/cors"
	reqidmiddleware "github.com/edumatrix/exam-marks-api/pkg/middleware/requestid"
)

// @title Exam Marks API
// @version 1.0.0
// @description Examination marks aggregation and locking engine
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
		logr.Sugar().Fatalw("failed to connect database", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, caching disabled", "error", err)
		redisClient = nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Repositories.
	subjectRepo := repository.NewSubjectRepository(db)
	configRepo := repository.NewConfigurationRepository(db)
	summaryRepo := repository.NewMarkSummaryRepository(db)
	formatRepo := repository.NewQuestionFormatRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	attendanceRepo := repository.NewAttendanceRepository(db)
	examRepo := repository.NewExamRepository(db)
	userRepo := repository.NewUserRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	// Services.
	metricsSvc := service.NewMetricsService()

	var notificationSvc *service.NotificationService
	if cfg.Notifications.Enabled {
		notificationSvc = service.NewNotificationService(cfg.Notifications.Workers, cfg.Notifications.BufferSize, logr)
		notificationSvc.Start(ctx)
		defer notificationSvc.Stop()
	}
	var lockNotifier service.LockNotifier
	if notificationSvc != nil {
		lockNotifier = notificationSvc
	}

	authSvc := service.NewAuthService(userRepo, cfg.JWT, nil, logr)
	subjectSvc := service.NewSubjectService(subjectRepo, nil, logr)
	configSvc := service.NewConfigurationService(configRepo, subjectRepo, nil, logr)
	marksSvc := service.NewMarksService(summaryRepo, formatRepo, studentRepo, userRepo, lockNotifier, metricsSvc, cfg.Marks.WriteRetries, nil, logr)
	matrixSvc := service.NewMatrixService(summaryRepo, configRepo, studentRepo, formatRepo, examRepo, userRepo, cfg.Marks.WriteRetries, nil, logr)

	tabulationTTL := cfg.Tabulation.CacheTTL
	if !cfg.Tabulation.CacheEnabled {
		tabulationTTL = 0
	}
	tabulationSvc := service.NewTabulationService(summaryRepo, configRepo, studentRepo, formatRepo, examRepo, attendanceRepo, cacheRepo, metricsSvc, cfg.Grading, tabulationTTL, logr)
	marksSvc.SetSheetInvalidator(tabulationSvc)
	matrixSvc.SetSheetInvalidator(tabulationSvc)

	// Handlers.
	authHandler := handler.NewAuthHandler(authSvc)
	subjectHandler := handler.NewSubjectHandler(subjectSvc)
	configHandler := handler.NewConfigurationHandler(configSvc)
	marksHandler := handler.NewMarksHandler(marksSvc)
	matrixHandler := handler.NewMatrixHandler(matrixSvc)
	tabulationHandler := handler.NewTabulationHandler(tabulationSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc, db)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.POST("/auth/login", authHandler.Login)

	authed := api.Group("")
	authed.Use(middleware.JWT(authSvc))
	authed.GET("/auth/me", authHandler.Me)

	subjects := authed.Group("/subjects")
	{
		subjects.GET("", subjectHandler.List)
		subjects.GET("/:id", subjectHandler.Get)
		admin := subjects.Group("")
		admin.Use(middleware.RequireRoles(models.RoleAdmin))
		admin.POST("", subjectHandler.Create)
		admin.PUT("/:id", subjectHandler.Update)
	}

	configs := authed.Group("/configurations")
	{
		configs.GET("", configHandler.List)
		configs.GET("/:id", configHandler.Get)
		admin := configs.Group("")
		admin.Use(middleware.RequireRoles(models.RoleAdmin))
		admin.Use(middleware.Audit(userRepo, models.AuditActionConfigChange, "class_configuration"))
		admin.POST("", configHandler.Create)
		admin.POST("/copy", configHandler.Copy)
		admin.POST("/:id/subjects", configHandler.ConfigureSubject)
		admin.DELETE("/:id/subjects/:subjectId", configHandler.RemoveSubject)
		admin.DELETE("/:id", configHandler.Deactivate)
	}

	marks := authed.Group("/marks")
	marks.Use(middleware.RequireRoles(models.RoleAdmin, models.RoleTeacher))
	{
		marks.GET("", marksHandler.GetSummary)
		marks.GET("/formats", marksHandler.ListFormats)
		marks.POST("/formats", middleware.RequireRoles(models.RoleAdmin), marksHandler.DefineFormats)
		marks.POST("", marksHandler.Upsert)
		marks.POST("/absent", marksHandler.MarkAbsent)
		marks.POST("/lock", marksHandler.Lock)
		marks.POST("/:id/review", middleware.RequireRoles(models.RoleAdmin), marksHandler.Review)
	}

	matrix := authed.Group("/matrix")
	matrix.Use(middleware.RequireRoles(models.RoleAdmin, models.RoleTeacher))
	{
		matrix.GET("", matrixHandler.Build)
		matrix.POST("", matrixHandler.Save)
	}

	tabulation := authed.Group("/tabulation")
	{
		tabulation.GET("", tabulationHandler.Sheet)
		tabulation.GET("/export/csv", tabulationHandler.ExportCSV)
		tabulation.GET("/export/pdf", tabulationHandler.ExportPDF)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
