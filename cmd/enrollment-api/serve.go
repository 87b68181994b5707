package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	_ "github.com/code-moran/grading-app-sub002/api/swagger"
	"github.com/code-moran/grading-app-sub002/internal/handler"
	"github.com/code-moran/grading-app-sub002/internal/middleware"
	"github.com/code-moran/grading-app-sub002/internal/migrations"
	"github.com/code-moran/grading-app-sub002/internal/repository"
	"github.com/code-moran/grading-app-sub002/internal/service"
	"github.com/code-moran/grading-app-sub002/pkg/cache"
	"github.com/code-moran/grading-app-sub002/pkg/config"
	"github.com/code-moran/grading-app-sub002/pkg/database"
	"github.com/code-moran/grading-app-sub002/pkg/jobs"
	"github.com/code-moran/grading-app-sub002/pkg/logger"
	corsmiddleware "github.com/code-moran/grading-app-sub002/pkg/middleware/cors"
	reqidmiddleware "github.com/code-moran/grading-app-sub002/pkg/middleware/requestid"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand() *cobra.Command {
	var autoMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), autoMigrate)
		},
	}
	cmd.Flags().BoolVar(&autoMigrate, "auto-migrate", false, "Apply pending migrations before serving")
	return cmd
}

func serve(parent context.Context, autoMigrate bool) error {
	cfg, logr, err := bootstrap()
	if err != nil {
		return err
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	if autoMigrate {
		if err := database.NewMigrator(migrations.FS, ".", logr).Up(ctx, db.DB); err != nil {
			return err
		}
	}

	metrics := service.NewMetricsService()
	checks := map[string]handler.ReadinessCheck{"database": db.PingContext}

	// Redis is optional: without it projections are read straight from Postgres.
	var cacheRepo service.CacheRepository
	if cfg.Cache.Enabled {
		client, err := cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logr.Warn("redis unavailable, projection cache disabled", zap.Error(err))
		} else {
			defer client.Close()
			cacheRepo = repository.NewCacheRepository(client, logr)
			checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		}
	}
	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Cache.TTL, logr, cacheRepo != nil)

	users := repository.NewUserRepository(db)
	students := repository.NewStudentRepository(db)
	courses := repository.NewCourseRepository(db)
	cohorts := repository.NewCohortRepository(db)
	subscriptions := repository.NewSubscriptionRepository(db)

	auditWorker := service.NewAuditWorker(users, logr)
	auditQueue := jobs.NewQueue("audit", auditWorker.Handle, jobs.QueueConfig{
		Workers:    cfg.Audit.Workers,
		BufferSize: cfg.Audit.BufferSize,
		MaxRetries: cfg.Audit.MaxRetries,
		RetryDelay: cfg.Audit.RetryDelay,
		Logger:     logr,
	})
	auditQueue.Start(context.WithoutCancel(ctx))
	defer auditQueue.Stop()
	audit := service.NewAuditService(auditQueue, logr)

	validate := validator.New()
	auth := service.NewAuthService(users, logr, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: cfg.JWT.Expiration,
		Issuer:            cfg.JWT.Issuer,
	})
	resolver := service.NewIdentityResolver(students, users, logr)
	classifier := service.NewProvenanceClassifier(subscriptions, users, cfg.Enrollment.ProvenanceMode, metrics, logr)
	subscriptionSvc := service.NewSubscriptionService(subscriptions, courses, students, users, resolver, classifier,
		cacheSvc, audit, metrics, validate, logr)
	cohortSvc := service.NewCohortEnrollmentService(subscriptions, courses, cohorts, students, cacheSvc, audit, metrics,
		validate, logr, service.CohortEnrollmentConfig{
			Concurrency: cfg.Enrollment.BulkConcurrency,
			Timeout:     cfg.Enrollment.OperationTimeout,
		})
	querySvc := service.NewEnrollmentQueryService(subscriptions, courses, resolver, cacheSvc, logr)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))

	handler.RegisterRoutes(r, cfg.APIPrefix, handler.Routes{
		Enrollments: handler.NewEnrollmentHandler(subscriptionSvc, querySvc),
		Cohorts:     handler.NewCohortEnrollmentHandler(cohortSvc, querySvc),
		Metrics:     handler.NewMetricsHandler(metrics, checks),
	}, middleware.JWT(auth), middleware.RequireStaff())

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logr.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logr.Error("server stopped with error", zap.Error(err))
		return err
	}
	logr.Info("server exited gracefully")
	return nil
}
