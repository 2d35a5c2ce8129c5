package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/vicastello/orderhub_backend/config"
	"github.com/vicastello/orderhub_backend/matcher"
	"github.com/vicastello/orderhub_backend/models"
	"github.com/vicastello/orderhub_backend/ordersync"
	"github.com/vicastello/orderhub_backend/utils"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("ORDER_SYNC_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()
	workerID := utils.StringFromEnv("WORKER_ID", "worker-"+uuid.NewString()[:8])

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	// Readiness differs from liveness: the DB-nil middleware already gates
	// this route, so only redis is left to probe.
	r.GET("/readyz", func(c *gin.Context) {
		if rdb := config.GetRedisDB(); rdb != nil {
			if err := rdb.Ping(c.Request.Context()).Err(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"redis": err.Error()})
				return
			}
		}
		c.Status(http.StatusNoContent)
	})

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "X-Worker-Secret")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(requestLogger(logger))
	r.Use(gin.Recovery())

	worker := ordersync.NewWorker(logger, workerID)

	// API endpoints (sync jobs)
	r.POST("/api/sync/jobs", ordersync.CreateJobHandler())
	r.GET("/api/sync/jobs", ordersync.ListJobsHandler())
	r.GET("/api/sync/jobs/:id", ordersync.JobDetailHandler())
	r.POST("/api/sync/jobs/:id/retry", ordersync.RetryJobHandler())

	// API endpoints (linking)
	r.POST("/api/linking/run", matcher.RunLinkingPassHandler())
	r.POST("/api/links", matcher.CreateManualLinkHandler())
	r.DELETE("/api/links", matcher.DeleteLinkHandler())

	// Worker invocation by the scheduler infrastructure.
	r.POST("/worker/run", ordersync.WorkerRunHandler(worker))

	// Pub/Sub push endpoint for job dispatch.
	r.POST("/pubsub/sync-jobs", ordersync.PubSubPushHandler(worker))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	if topic := utils.StringFromEnv("PUBSUB_TOPIC_SYNC_JOBS", ""); topic != "" {
		go func() {
			client, err := config.GetClient(context.Background())
			if err != nil {
				logger.WithFields(logrus.Fields{"field": "pubsub"}).Warn("pubsub unavailable, polling dispatcher covers job delivery: " + err.Error())
				return
			}
			if _, err := config.CreateTopicIfNotExists(client, topic); err != nil {
				logger.WithFields(logrus.Fields{"field": "pubsub", "topic": topic}).Error(err)
			}
		}()
	}

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	scheduler := startScheduler(sigCtx, worker, logger)
	defer scheduler.Stop()

	select {
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serverErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}
}

// startScheduler wires the recurring work: queueing scheduled sync jobs,
// draining the queue when pubsub push is not doing it, and the linking pass.
func startScheduler(ctx context.Context, worker *ordersync.Worker, logger *logrus.Logger) *cron.Cron {
	c := cron.New()

	syncSpec := utils.StringFromEnv("SYNC_SCHEDULE", "@every 10m")
	if _, err := c.AddFunc(syncSpec, func() {
		ordersync.EnqueueScheduled(ctx, config.GetDB(), logger)
	}); err != nil {
		logger.WithFields(logrus.Fields{"field": "scheduler", "spec": syncSpec}).Error(err)
	}

	dispatchSpec := utils.StringFromEnv("SYNC_DISPATCH_SCHEDULE", "@every 1m")
	if _, err := c.AddFunc(dispatchSpec, func() {
		ordersync.DispatchQueuedJobs(ctx, worker, logger)
	}); err != nil {
		logger.WithFields(logrus.Fields{"field": "scheduler", "spec": dispatchSpec}).Error(err)
	}

	linkSpec := utils.StringFromEnv("LINKING_SCHEDULE", "@every 5m")
	if _, err := c.AddFunc(linkSpec, func() {
		if _, err := matcher.RunLinkingPass(ctx, config.GetDB(), logger, 0); err != nil && err != matcher.ErrPassAlreadyRunning {
			logger.WithFields(logrus.Fields{"field": "scheduler"}).Error(err)
		}
	}); err != nil {
		logger.WithFields(logrus.Fields{"field": "scheduler", "spec": linkSpec}).Error(err)
	}

	c.Start()
	return c
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		}).Info("request")
	}
}
